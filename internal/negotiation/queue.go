package negotiation

import "github.com/pion/webrtc/v4"

// candidateQueue buffers remote ICE candidates that arrive before the remote
// description exists. Drain order is arrival order: the underlying transport
// expects monotonic candidate prioritization.
//
// Exact duplicates are dropped while buffered; once the remote description is
// set duplicates go straight to the peer connection, which tolerates re-adds.
type candidateQueue struct {
	items []webrtc.ICECandidateInit
	seen  map[string]struct{}
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{seen: make(map[string]struct{})}
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	if _, dup := q.seen[c.Candidate]; dup {
		return
	}
	q.seen[c.Candidate] = struct{}{}
	q.items = append(q.items, c)
}

// drain hands every buffered candidate to apply, in arrival order, and
// empties the queue. Called exactly once per negotiation round, when the
// remote description is set.
func (q *candidateQueue) drain(apply func(webrtc.ICECandidateInit) error) error {
	items := q.items
	q.items = nil
	q.seen = make(map[string]struct{})
	for _, c := range items {
		if err := apply(c); err != nil {
			return err
		}
	}
	return nil
}

func (q *candidateQueue) len() int { return len(q.items) }
