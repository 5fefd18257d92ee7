package indexstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/prowdex/prowdex/pkg/document"
)

// BulkCreate writes the given documents in one _bulk call using the create
// op_type, keyed by exact identity. The store therefore enforces
// exact-identity uniqueness: a concurrent duplicate comes back as a 409
// and is acknowledged as already present, not as a failure.
//
// Per-item transient rejections (throttling, shard unavailability) turn
// the whole call into a *TransientError so the caller's retry policy can
// re-drive it; documents created on an earlier attempt are then absorbed
// by the 409 path, which is what makes the retry idempotent. Permanent
// per-item rejections (mapping conflicts) are reported in the Ack, not as
// a call-level error: accepted documents are never rolled back.
func (s *store) BulkCreate(
	ctx context.Context, docs []*document.ResultDocument,
) ([]Ack, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	body, err := buildBulkBody(s.index, docs)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index),
	)
	if err != nil {
		return nil, &TransientError{Op: "bulk create", Err: err}
	}

	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return nil, &TransientError{
			Op:  "bulk create",
			Err: fmt.Errorf("unexpected status %d", res.StatusCode),
		}
	}

	acks, retryableFailures, err := parseBulkResponse(res.Body, docs)
	if err != nil {
		return nil, &TransientError{Op: "bulk create", Err: err}
	}

	if retryableFailures > 0 {
		return acks, &TransientError{
			Op:  "bulk create",
			Err: fmt.Errorf("%d of %d items rejected transiently", retryableFailures, len(docs)),
		}
	}

	created := 0
	existing := 0

	for _, ack := range acks {
		if ack.Created {
			created++
		}

		if ack.AlreadyExists {
			existing++
		}
	}

	s.log.WithFields(logrus.Fields{
		"documents": len(docs),
		"created":   created,
		"existing":  existing,
	}).Debug("Bulk create completed")

	return acks, nil
}

// buildBulkBody renders the NDJSON _bulk payload: one create action line
// plus one source line per document.
func buildBulkBody(index string, docs []*document.ResultDocument) ([]byte, error) {
	var buf bytes.Buffer

	for _, doc := range docs {
		action := map[string]map[string]string{
			"create": {
				"_index": index,
				"_id":    doc.ExactID(),
			},
		}

		actionLine, err := json.Marshal(action)
		if err != nil {
			return nil, fmt.Errorf("encoding bulk action: %w", err)
		}

		sourceLine, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encoding document %s: %w", doc.ExactID(), err)
		}

		buf.Write(actionLine)
		buf.WriteByte('\n')
		buf.Write(sourceLine)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}

// bulkResponse mirrors the relevant subset of the _bulk response body.
type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// parseBulkResponse converts the per-item results into Acks and counts the
// transiently rejected items.
func parseBulkResponse(
	body io.Reader,
	docs []*document.ResultDocument,
) ([]Ack, int, error) {
	var parsed bulkResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("decoding bulk response: %w", err)
	}

	if len(parsed.Items) != len(docs) {
		return nil, 0, fmt.Errorf(
			"bulk response carries %d items for %d documents",
			len(parsed.Items), len(docs),
		)
	}

	acks := make([]Ack, 0, len(docs))
	retryable := 0

	for i, wrapper := range parsed.Items {
		item, ok := wrapper["create"]
		if !ok {
			return nil, 0, fmt.Errorf("bulk response item %d has no create result", i)
		}

		ack := Ack{DocID: item.ID}
		if ack.DocID == "" {
			ack.DocID = docs[i].ExactID()
		}

		switch {
		case item.Status >= 200 && item.Status < 300:
			ack.Created = true
		case item.Status == 409:
			ack.AlreadyExists = true
		case item.Status == 429 || item.Status >= 500:
			retryable++

			if item.Error != nil {
				ack.Err = item.Error.Reason
			}
		default:
			if item.Error != nil {
				ack.Err = fmt.Sprintf("%s: %s", item.Error.Type, item.Error.Reason)
			} else {
				ack.Err = fmt.Sprintf("rejected with status %d", item.Status)
			}
		}

		acks = append(acks, ack)
	}

	return acks, retryable, nil
}
