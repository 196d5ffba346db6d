// Package workqueue publishes and consumes typed jobs over broker work queues.
//
// Jobs are gob encoded into contracts.WorkPacket bodies. A Consumer hands out
// decoded jobs and remembers the packet behind each one until the job is
// acked or nacked; acking or nacking a job twice fails with
// messaging.ErrUnknownPacket.
//
//	publisher := workqueue.NewPublisher[Resize](svc, "images", workqueue.WithDeadLetter())
//	err := publisher.PublishWithPriority(ctx, func(r Resize) uint8 { return r.Urgency }, jobs...)
//
//	consumer := workqueue.NewConsumer[Resize](svc, "images", workqueue.WithDeadLetter())
//	if err := consumer.StartConsume(ctx); err != nil {
//		return err
//	}
//	job, ok, err := consumer.Dequeue(ctx, time.Second)
//	...
//	err = consumer.Ack(job)
package workqueue
