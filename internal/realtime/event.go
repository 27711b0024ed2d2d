// Package realtime fans debate change events out to SSE subscribers, either
// within one process or across replicas through Redis pub/sub.
package realtime

import "time"

type EventKind string

const (
	EventVote       EventKind = "vote"
	EventComment    EventKind = "comment"
	EventPersuasion EventKind = "persuasion"
	EventDebate     EventKind = "debate"
)

// Event tells subscribers that a debate changed. It carries the new tally so
// viewers can update counts without a refetch; anything else requires one.
type Event struct {
	DebateID  string    `json:"debateId"`
	Kind      EventKind `json:"kind"`
	VotesA    int       `json:"votesA"`
	VotesB    int       `json:"votesB"`
	CommentID string    `json:"commentId,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	At        time.Time `json:"at"`
}
