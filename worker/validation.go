// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-tablesync/syncapi"
	"github.com/mobiletoly/go-tablesync/syncrules"
)

const maxPKLength = 512

// validateChange checks a pushed change before it touches the store.
func (s *Service) validateChange(ch *syncapi.Change) (syncrules.TableDef, error) {
	def, ok := s.rules.Lookup(ch.Table)
	if !ok {
		return syncrules.TableDef{}, fmt.Errorf("%w: %q", ErrUnregisteredTable, ch.Table)
	}
	ch.Table = def.Name
	if !ch.Operation.Valid() {
		return def, fmt.Errorf("%w: unknown operation %q", ErrBadPayload, ch.Operation)
	}
	if strings.TrimSpace(ch.PK) == "" || len(ch.PK) > maxPKLength {
		return def, fmt.Errorf("%w: invalid pk", ErrBadPayload)
	}
	if ch.MutationID == "" {
		return def, fmt.Errorf("%w: missing mutation id", ErrBadPayload)
	}
	if ch.ClientVersion < 0 {
		return def, fmt.Errorf("%w: negative client version", ErrBadPayload)
	}
	if ch.Operation != syncapi.OpDelete {
		if _, err := decodeObject(ch.Snapshot); err != nil {
			return def, fmt.Errorf("%w: snapshot: %v", ErrBadPayload, err)
		}
	}
	return def, nil
}

// rejection maps a validation error to its wire result.
func rejection(mutationID string, err error) syncapi.Result {
	reason := syncapi.ReasonBadPayload
	switch {
	case errors.Is(err, ErrUnregisteredTable):
		reason = syncapi.ReasonUnregisteredTable
	case errors.Is(err, ErrForbidden):
		reason = syncapi.ReasonForbidden
	}
	return syncapi.Result{
		MutationID: mutationID,
		Outcome:    syncapi.OutcomeRejected,
		Reason:     reason,
		Message:    err.Error(),
	}
}

// decodeObject parses a JSON object keeping numbers as json.Number so they
// compare the way Postgres renders them with ->>.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("not an object")
	}
	return obj, nil
}

// scalarText renders a JSON scalar the way ->> does. Objects, arrays and
// null have no text form here.
func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}
