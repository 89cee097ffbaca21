package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicpulse/question-engine/internal/cluster"
	"github.com/civicpulse/question-engine/internal/core/domain"
	engerrors "github.com/civicpulse/question-engine/internal/core/errors"
	"github.com/civicpulse/question-engine/internal/score"
	db "github.com/civicpulse/question-engine/internal/storage"
)

// ledgerStore models the relational layer closely enough for end-to-end
// scenarios: cluster tallies are always derived from the vote ledger by
// rolling up member questions, the same identity the SQL maintains, so a
// vote can never be counted twice no matter how clusters are merged.
type ledgerStore struct {
	questions map[string]*domain.Question
	clusters  map[string]*ledgerCluster
	votes     map[string]*ledgerVote // userID/questionID
	scorer    db.Scorer
	seq       int
}

type ledgerCluster struct {
	id        string
	contestID string
	repID     string
	issueTag  string
	active    bool
	createdAt time.Time
}

type ledgerVote struct {
	value     int
	retracted bool
}

func newLedgerStore() *ledgerStore {
	return &ledgerStore{
		questions: make(map[string]*domain.Question),
		clusters:  make(map[string]*ledgerCluster),
		votes:     make(map[string]*ledgerVote),
		scorer:    score.New(0),
	}
}

func (s *ledgerStore) tally(clusterID string) (up, down int) {
	for key, v := range s.votes {
		if v.retracted {
			continue
		}

		q, ok := s.questions[keyQuestion(key)]
		if !ok || q.ClusterID != clusterID {
			continue
		}

		if v.value == domain.VoteUp {
			up++
		} else {
			down++
		}
	}

	return up, down
}

func keyFor(userID, questionID string) string { return userID + "/" + questionID }

func keyQuestion(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}

	return ""
}

func (s *ledgerStore) CreateQuestion(_ context.Context, q *db.Question, _ string) error {
	s.seq++
	q.ID = fmt.Sprintf("q-%d", s.seq)
	q.Status = domain.StatusPending
	q.CreatedAt = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Minute)
	s.questions[q.ID] = q

	return nil
}

func (s *ledgerStore) GetQuestion(_ context.Context, id string) (*db.Question, error) {
	q, ok := s.questions[id]
	if !ok {
		return nil, engerrors.ErrQuestionNotFound
	}

	return q, nil
}

func (s *ledgerStore) promote(q *domain.Question) string {
	s.seq++
	id := fmt.Sprintf("c-%d", s.seq)
	s.clusters[id] = &ledgerCluster{
		id:        id,
		contestID: q.ContestID,
		repID:     q.ID,
		issueTag:  q.IssueTag,
		active:    true,
		createdAt: q.CreatedAt,
	}
	q.Status = domain.StatusActive
	q.ClusterID = id

	return id
}

func (s *ledgerStore) ApplyVote(_ context.Context, userID, questionID string, value int, _ db.VoteMeta, scorer db.Scorer) (db.VoteOutcome, error) {
	q, ok := s.questions[questionID]
	if !ok {
		return db.VoteOutcome{}, engerrors.ErrQuestionNotFound
	}

	c := s.clusters[q.ClusterID]
	if c == nil || !c.active {
		return db.VoteOutcome{}, engerrors.ErrClusterInactive
	}

	key := keyFor(userID, questionID)
	prev, had := s.votes[key]

	op := db.VoteOpCast

	switch {
	case had && !prev.retracted && prev.value == value:
		op = db.VoteOpRepeat
	case had && !prev.retracted:
		op = db.VoteOpChange
	}

	if op != db.VoteOpRepeat {
		s.votes[key] = &ledgerVote{value: value}
	}

	up, down := s.tally(q.ClusterID)

	return db.VoteOutcome{
		Op:        op,
		ClusterID: q.ClusterID,
		ContestID: c.contestID,
		Upvotes:   up,
		Downvotes: down,
		Score:     scorer.Score(up, down),
	}, nil
}

func (s *ledgerStore) RetractVote(_ context.Context, userID, questionID string, scorer db.Scorer) (db.VoteOutcome, error) {
	q, ok := s.questions[questionID]
	if !ok {
		return db.VoteOutcome{}, engerrors.ErrQuestionNotFound
	}

	key := keyFor(userID, questionID)

	prev, had := s.votes[key]
	if !had || prev.retracted {
		return db.VoteOutcome{}, engerrors.ErrVoteNotFound
	}

	prev.retracted = true
	up, down := s.tally(q.ClusterID)

	return db.VoteOutcome{
		Op:        db.VoteOpRetract,
		ClusterID: q.ClusterID,
		Upvotes:   up,
		Downvotes: down,
		Score:     scorer.Score(up, down),
	}, nil
}

func (s *ledgerStore) ListRankableClusters(_ context.Context, contestID string) ([]db.RankableCluster, error) {
	var out []db.RankableCluster

	for _, c := range s.clusters {
		if c.contestID != contestID || !c.active {
			continue
		}

		up, down := s.tally(c.id)
		out = append(out, db.RankableCluster{
			ClusterID:          c.id,
			RepresentativeID:   c.repID,
			RepresentativeText: s.questions[c.repID].Text,
			IssueTag:           c.issueTag,
			Upvotes:            up,
			Downvotes:          down,
			Score:              s.scorer.Score(up, down),
			CreatedAt:          c.createdAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClusterID < out[j].ClusterID })

	return out, nil
}

func (s *ledgerStore) GetCluster(_ context.Context, id string) (*db.Cluster, error) {
	c, ok := s.clusters[id]
	if !ok {
		return nil, engerrors.ErrClusterNotFound
	}

	up, down := s.tally(id)

	return &db.Cluster{
		ID:               c.id,
		ContestID:        c.contestID,
		RepresentativeID: c.repID,
		IssueTag:         c.issueTag,
		Upvotes:          up,
		Downvotes:        down,
		Score:            s.scorer.Score(up, down),
		Active:           c.active,
		CreatedAt:        c.createdAt,
	}, nil
}

func (s *ledgerStore) GetClusterMembers(_ context.Context, clusterID string) ([]db.Question, error) {
	c := s.clusters[clusterID]

	var out []db.Question

	for _, q := range s.questions {
		if q.ClusterID == clusterID {
			out = append(out, *q)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if c != nil && (out[i].ID == c.repID) != (out[j].ID == c.repID) {
			return out[i].ID == c.repID
		}

		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *ledgerStore) GetClusterVoteBreakdown(_ context.Context, clusterID string) ([]db.MemberVotes, error) {
	members, _ := s.GetClusterMembers(context.Background(), clusterID)

	out := make([]db.MemberVotes, 0, len(members))

	for _, q := range members {
		mv := db.MemberVotes{QuestionID: q.ID, Text: q.Text, Status: q.Status}

		for key, v := range s.votes {
			if v.retracted || keyQuestion(key) != q.ID {
				continue
			}

			if v.value == domain.VoteUp {
				mv.Upvotes++
			} else {
				mv.Downvotes++
			}
		}

		out = append(out, mv)
	}

	return out, nil
}

func (s *ledgerStore) GetVote(_ context.Context, userID, questionID string) (*domain.Vote, error) {
	v, ok := s.votes[keyFor(userID, questionID)]
	if !ok {
		return nil, engerrors.ErrVoteNotFound
	}

	return &domain.Vote{UserID: userID, QuestionID: questionID, Value: v.value, Retracted: v.retracted}, nil
}

func (s *ledgerStore) MergeClusters(_ context.Context, srcID, dstID string, _ db.Scorer) error {
	if srcID == dstID {
		return engerrors.ErrSelfMerge
	}

	src, ok := s.clusters[srcID]
	if !ok || !src.active {
		return engerrors.ErrClusterNotFound
	}

	if _, ok := s.clusters[dstID]; !ok {
		return engerrors.ErrClusterNotFound
	}

	for _, q := range s.questions {
		if q.ClusterID == srcID {
			q.ClusterID = dstID

			if q.Status == domain.StatusActive {
				q.Status = domain.StatusDuplicate
			}
		}
	}

	src.active = false

	return nil
}

func (s *ledgerStore) CloseContest(_ context.Context, contestID string) error {
	for _, c := range s.clusters {
		if c.contestID == contestID {
			c.active = false
		}
	}

	return nil
}

func (s *ledgerStore) ListOpenFlags(_ context.Context, _ int) ([]domain.FraudFlag, error) {
	return nil, nil
}

func (s *ledgerStore) ResolveFraudFlag(_ context.Context, _ string) error {
	return nil
}

// ledgerAssigner folds exact-text resubmissions into the existing cluster
// and promotes everything else, standing in for the similarity pipeline.
type ledgerAssigner struct {
	store *ledgerStore
}

func (a *ledgerAssigner) Process(_ context.Context, q *domain.Question) (cluster.Assignment, error) {
	for _, other := range a.store.questions {
		if other.ID == q.ID || other.ContestID != q.ContestID {
			continue
		}

		if other.Status == domain.StatusActive && other.Text == q.Text {
			q.Status = domain.StatusDuplicate
			q.ClusterID = other.ClusterID

			return cluster.Assignment{Status: domain.StatusDuplicate, ClusterID: other.ClusterID}, nil
		}
	}

	clusterID := a.store.promote(q)

	return cluster.Assignment{Status: domain.StatusActive, ClusterID: clusterID, Embedded: true}, nil
}

func newScenario() (*Engine, *ledgerStore) {
	store := newLedgerStore()
	eng := newTestEngine(store, &ledgerAssigner{store: store}, nil)

	return eng, store
}

func submitScenario(t *testing.T, eng *Engine, text, tag string) *domain.Question {
	t.Helper()

	q, err := eng.SubmitQuestion(context.Background(), Submission{
		ContestID: "contest-1",
		AuthorID:  "author-1",
		Text:      text,
		IssueTag:  tag,
	})
	require.NoError(t, err)

	return q
}

func TestDuplicateSubmissionSharesClusterTally(t *testing.T) {
	eng, store := newScenario()
	ctx := context.Background()

	q1 := submitScenario(t, eng, "Why is rent rising downtown?", "housing")
	require.Equal(t, domain.StatusActive, q1.Status)

	q2 := submitScenario(t, eng, "Why is rent rising downtown?", "housing")
	require.Equal(t, domain.StatusDuplicate, q2.Status)
	require.Equal(t, q1.ClusterID, q2.ClusterID)

	out1, err := eng.CastVote(ctx, "user-1", q1.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	assert.Equal(t, 1, out1.Upvotes)

	// A vote on the duplicate rolls up into the shared cluster tally.
	out2, err := eng.CastVote(ctx, "user-2", q2.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	assert.Equal(t, q1.ClusterID, out2.ClusterID)
	assert.Equal(t, 2, out2.Upvotes)

	// Repeating an identical vote changes nothing.
	rep, err := eng.CastVote(ctx, "user-1", q1.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	assert.Equal(t, db.VoteOpRepeat, rep.Op)
	assert.Equal(t, 2, rep.Upvotes)

	// Flipping replaces the previous vote in place, never adds a row.
	flip, err := eng.CastVote(ctx, "user-1", q1.ID, domain.VoteDown, VoteMeta{})
	require.NoError(t, err)
	assert.Equal(t, db.VoteOpChange, flip.Op)
	assert.Equal(t, 1, flip.Upvotes)
	assert.Equal(t, 1, flip.Downvotes)

	detail, err := eng.GetClusterDetail(ctx, q1.ClusterID)
	require.NoError(t, err)
	require.Len(t, detail.Members, 2)
	assert.Equal(t, q1.ID, detail.Members[0].ID, "representative listed first")
	require.Len(t, detail.Breakdown, 2)

	res, err := eng.GetTopQuestions(ctx, "contest-1", 10)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, q1.ClusterID, res.Entries[0].ClusterID)
	assert.InDelta(t, store.scorer.Score(1, 1), res.Entries[0].Score, 1e-12)
}

func TestModeratorMergeFoldsTalliesOnce(t *testing.T) {
	eng, store := newScenario()
	ctx := context.Background()

	q1 := submitScenario(t, eng, "Will the city expand the bus network?", "transportation")
	q2 := submitScenario(t, eng, "When will the new bus lines open?", "transportation")
	require.NotEqual(t, q1.ClusterID, q2.ClusterID)

	_, err := eng.CastVote(ctx, "user-1", q1.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	_, err = eng.CastVote(ctx, "user-2", q2.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	_, err = eng.CastVote(ctx, "user-1", q2.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)

	require.NoError(t, eng.MergeClusters(ctx, q2.ClusterID, q1.ClusterID))

	// The merged slate lists one cluster; each of the three ledger votes
	// counts exactly once in the folded tally.
	res, err := eng.GetTopQuestions(ctx, "contest-1", 10)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, q1.ClusterID, res.Entries[0].ClusterID)
	assert.InDelta(t, store.scorer.Score(3, 0), res.Entries[0].Score, 1e-12)

	detail, err := eng.GetClusterDetail(ctx, q1.ClusterID)
	require.NoError(t, err)
	require.Len(t, detail.Members, 2)

	totalUp := 0
	for _, mv := range detail.Breakdown {
		totalUp += mv.Upvotes
	}

	assert.Equal(t, 3, totalUp)

	merged, err := eng.GetQuestion(ctx, q2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDuplicate, merged.Status)
	assert.Equal(t, q1.ClusterID, merged.ClusterID)

	// Voting on the merged member lands in the surviving cluster.
	out, err := eng.CastVote(ctx, "user-3", q2.ID, domain.VoteUp, VoteMeta{})
	require.NoError(t, err)
	assert.Equal(t, q1.ClusterID, out.ClusterID)
	assert.Equal(t, 4, out.Upvotes)
}
