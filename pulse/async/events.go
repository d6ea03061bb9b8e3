package async

import "time"

// EventType names a job lifecycle transition
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventDelayed   EventType = "delayed"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventRetrying  EventType = "retrying"
	EventStalled   EventType = "stalled"
	EventRemoved   EventType = "removed"
)

// Event is delivered to queue subscribers on every job transition
type Event struct {
	Type     EventType `json:"type"`
	Queue    string    `json:"queue"`
	JobID    string    `json:"job_id"`
	Job      *Job      `json:"job,omitempty"`
	Progress int       `json:"progress"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type subscriber struct {
	queue string // empty matches every queue
	ch    chan Event
}

// Subscribe returns a channel receiving events for queue (all queues when
// queue is empty) and a cancel func that unsubscribes and closes it.
// Slow subscribers miss events rather than block the queue.
func (q *Queue) Subscribe(queue string) (<-chan Event, func()) {
	sub := &subscriber{queue: queue, ch: make(chan Event, SubscriberChannelBufferSize)}

	q.mu.Lock()
	q.subscribers = append(q.subscribers, sub)
	q.mu.Unlock()

	cancel := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, s := range q.subscribers {
			if s == sub {
				q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return sub.ch, cancel
}

func (q *Queue) notify(ev Event) {
	if ev.At.IsZero() {
		ev.At = q.now()
	}
	if ev.Job != nil {
		snapshot := *ev.Job
		ev.Job = &snapshot
		ev.JobID = ev.Job.ID
		ev.Queue = ev.Job.Queue
		ev.Progress = ev.Job.Progress
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, sub := range q.subscribers {
		if sub.queue != "" && sub.queue != ev.Queue {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
