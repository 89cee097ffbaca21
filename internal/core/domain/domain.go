package domain

import "time"

// QuestionStatus is the lifecycle state of a submitted question.
type QuestionStatus string

// Question lifecycle constants.
const (
	StatusPending   QuestionStatus = "pending"
	StatusActive    QuestionStatus = "active"
	StatusDuplicate QuestionStatus = "duplicate"
	StatusRejected  QuestionStatus = "rejected"
)

// Question represents a voter-submitted question scoped to one contest.
type Question struct {
	ID          string
	ContestID   string
	AuthorID    string
	Text        string
	IssueTag    string
	Status      QuestionStatus
	ClusterID   string
	EditVersion int
	CreatedAt   time.Time
}

// Cluster groups semantically-equivalent questions under one vote tally.
// Aggregate counts are derived from the vote ledger and can always be
// rebuilt from it.
type Cluster struct {
	ID               string
	ContestID        string
	RepresentativeID string
	IssueTag         string
	Upvotes          int
	Downvotes        int
	Score            float64
	Active           bool
	CreatedAt        time.Time
}

// Vote is one (user, question) ledger entry. The question id is always the
// original question the user voted on, even after that question is merged
// into another cluster.
type Vote struct {
	UserID     string
	QuestionID string
	Value      int
	Retracted  bool
	Flagged    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Vote value constants.
const (
	VoteUp   = 1
	VoteDown = -1
)

// SlotType distinguishes how a rank position was filled.
type SlotType string

// Slot type constants.
const (
	SlotGeneral          SlotType = "general"
	SlotMinorityReserved SlotType = "minority-reserved"
)

// RankEntry is one position of a published contest ranking. It is an
// ephemeral projection and never persisted authoritatively.
type RankEntry struct {
	ClusterID          string
	RepresentativeID   string
	RepresentativeText string
	Score              float64
	IssueTag           string
	Position           int
	Slot               SlotType
}

// FraudFlag is a non-blocking anomaly report pushed to the moderation queue.
type FraudFlag struct {
	ID         string
	ClusterID  string
	Reason     string
	Evidence   string
	CreatedAt  time.Time
	ResolvedAt time.Time
}

// Fraud flag reason constants.
const (
	FlagReasonVelocity      = "vote_velocity"
	FlagReasonYoungAccounts = "young_accounts"
	FlagReasonFingerprint   = "repeated_fingerprint"
)

// Taxonomy is the closed issue-tag enumeration for a deployment. The zero
// value rejects every tag.
type Taxonomy struct {
	tags map[string]struct{}
	list []string
}

// NewTaxonomy builds a taxonomy from the configured tag list.
func NewTaxonomy(tags []string) Taxonomy {
	t := Taxonomy{tags: make(map[string]struct{}, len(tags))}
	for _, tag := range tags {
		if _, ok := t.tags[tag]; ok {
			continue
		}

		t.tags[tag] = struct{}{}
		t.list = append(t.list, tag)
	}

	return t
}

// Contains reports whether tag is part of the taxonomy.
func (t Taxonomy) Contains(tag string) bool {
	_, ok := t.tags[tag]
	return ok
}

// Tags returns the tags in registration order.
func (t Taxonomy) Tags() []string {
	return t.list
}
