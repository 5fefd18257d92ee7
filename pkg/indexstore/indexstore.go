// Package indexstore persists result documents in an OpenSearch index and
// answers the identity lookups that gate duplicate indexing.
package indexstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/prowdex/prowdex/pkg/config"
	"github.com/prowdex/prowdex/pkg/document"
)

// Decision is the outcome of an identity check for a candidate document.
type Decision string

const (
	// DecisionInsert means no document with either identity exists yet.
	DecisionInsert Decision = "insert"

	// DecisionSkipExact means a document with the same exact identity
	// (job name + run id) is already indexed.
	DecisionSkipExact Decision = "skip-exact"

	// DecisionSkipComparable means a logically identical document is
	// already indexed under a different exact identity.
	DecisionSkipComparable Decision = "skip-comparable"
)

// Ack is the per-document acknowledgment of a bulk write.
type Ack struct {
	DocID string

	// Created is true when the store accepted the document.
	Created bool

	// AlreadyExists is true when the store rejected the document
	// because its id was already present. Not a failure: the write is
	// keyed by exact identity precisely so concurrent duplicates
	// collapse harmlessly.
	AlreadyExists bool

	// Err carries the store's rejection reason for documents that were
	// neither created nor already present.
	Err string
}

// Store is the document store surface the scraper depends on: identity
// lookups and bulk-create writes. Lookup failures must surface as errors,
// never as DecisionInsert, or duplicates would slip in.
type Store interface {
	CheckIdentity(ctx context.Context, doc *document.ResultDocument) (Decision, error)
	BulkCreate(ctx context.Context, docs []*document.ResultDocument) ([]Ack, error)
}

// TransientError wraps store failures worth retrying: network errors,
// throttling and 5xx-class responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient document store failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log     logrus.FieldLogger
	client  *opensearch.Client
	index   string
	limiter *rate.Limiter
}

// NewStore creates a Store backed by the configured OpenSearch cluster.
// All operations share one rate limiter so scrape concurrency cannot
// overwhelm the cluster's query or write throughput.
func NewStore(log logrus.FieldLogger, cfg *config.IndexConfig) (Store, error) {
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating opensearch client: %w", err)
	}

	return &store{
		log:     log.WithField("component", "indexstore"),
		client:  client,
		index:   cfg.JobsIndex,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit),
	}, nil
}

// CheckIdentity looks up the document by exact identity first, then by
// comparable identity.
func (s *store) CheckIdentity(
	ctx context.Context, doc *document.ResultDocument,
) (Decision, error) {
	exists, err := s.existsExact(ctx, doc.ExactID())
	if err != nil {
		return "", err
	}

	if exists {
		return DecisionSkipExact, nil
	}

	exists, err = s.existsComparable(ctx, doc.ComparableID)
	if err != nil {
		return "", err
	}

	if exists {
		return DecisionSkipComparable, nil
	}

	return DecisionInsert, nil
}

// existsExact checks for a document with the given id via a HEAD request.
func (s *store) existsExact(ctx context.Context, docID string) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	res, err := s.client.Exists(
		s.index, docID,
		s.client.Exists.WithContext(ctx),
	)
	if err != nil {
		return false, &TransientError{Op: "exists lookup", Err: err}
	}

	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == 200:
		return true, nil
	case res.StatusCode == 404:
		return false, nil
	default:
		return false, &TransientError{
			Op:  "exists lookup",
			Err: fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}
}

// existsComparable checks for any document carrying the given comparable
// identity via a term query.
func (s *store) existsComparable(ctx context.Context, comparableID string) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	query := fmt.Sprintf(
		`{"query":{"term":{"comparable_id":%q}},"size":0,"track_total_hits":true}`,
		comparableID,
	)

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(strings.NewReader(query)),
	)
	if err != nil {
		return false, &TransientError{Op: "comparable lookup", Err: err}
	}

	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		// A missing index simply means nothing is indexed yet.
		if res.StatusCode == 404 {
			return false, nil
		}

		return false, &TransientError{
			Op:  "comparable lookup",
			Err: fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}

	var body struct {
		Hits struct {
			Total struct {
				Value int `json:"value"`
			} `json:"total"`
		} `json:"hits"`
	}

	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return false, &TransientError{Op: "comparable lookup", Err: err}
	}

	return body.Hits.Total.Value > 0, nil
}
