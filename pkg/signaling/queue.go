package signaling

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riverine/headwater/pkg/worker"
)

// Queue decouples the conference queue from the signaling backend: messages
// are handed to a single worker that feeds the PeerSignaler in order, so a
// slow backend can never stall conference processing.
type Queue struct {
	worker *worker.Worker[Message]
}

func NewQueue(signaler PeerSignaler) *Queue {
	config := worker.Config[Message]{
		ChannelSize: 128,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(message Message) { signaler.SendMessage(message) },
	}

	return &Queue{worker: worker.StartWorker(config)}
}

// Send queues one message. A full queue means the signaling backend stopped
// draining, which is logged loudly and the message dropped.
func (q *Queue) Send(recipient Recipient, content interface{}) {
	message := Message{Recipient: recipient, Content: content}
	if err := q.worker.Send(message); err != nil {
		logrus.Errorf("Really bad, dropping signaling message for %s, backend down? %s",
			recipient.EndpointID, err)
	}
}

// Stop closes the queue and blocks until every queued message reached the
// signaler. Callers rely on that: a conference reports itself done only
// after its last session-terminate is out.
func (q *Queue) Stop() {
	q.worker.Stop()
	q.worker.Wait()
}
