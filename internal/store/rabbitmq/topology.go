package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

type queueDecl struct {
	name string
	args amqp.Table
}

//	<queue>  rejected / nack(requeue=false) -> <queue>.dlq
func topology(queue string) []queueDecl {
	dlq := queue + ".dlq"
	return []queueDecl{
		{name: dlq},
		{name: queue, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		}},
	}
}

// DeclareTopology declares the main queue and its dead letter queue.
// Publisher and worker both call it so the queue arguments always match.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	for _, q := range topology(queue) {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return err
		}
	}
	return nil
}
