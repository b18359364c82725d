package resolver

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/c360/syncengine/errors"
)

// winner orders two documents: causal comparison when both carry clocks,
// otherwise timestamp with a deterministic node-ID tiebreak. Returns true
// when local wins.
func winner(local, remote Document) bool {
	if len(local.Clock) > 0 || len(remote.Clock) > 0 {
		switch local.Clock.Compare(remote.Clock) {
		case OrderAfter:
			return true
		case OrderBefore:
			return false
		}
		// Concurrent or equal histories fall through to timestamps.
	}
	if !local.Timestamp.Equal(remote.Timestamp) {
		return local.Timestamp.After(remote.Timestamp)
	}
	return local.NodeID > remote.NodeID
}

// LastWriteWins keeps the document with the higher version and records the
// other as discarded.
type LastWriteWins struct{}

// Name implements Strategy.
func (LastWriteWins) Name() string { return "last-write-wins" }

// Resolve implements Strategy.
func (LastWriteWins) Resolve(local, remote Document) (*Resolution, error) {
	if winner(local, remote) {
		return &Resolution{Merged: local.Data, Discarded: []json.RawMessage{remote.Data}}, nil
	}
	return &Resolution{Merged: remote.Data, Discarded: []json.RawMessage{local.Data}}, nil
}

// FieldMerge unions non-conflicting field changes of two JSON objects.
// Fields both sides changed to different values fall back to last-write-wins
// per field, with the losing value recorded as discarded.
type FieldMerge struct{}

// Name implements Strategy.
func (FieldMerge) Name() string { return "field-merge" }

// Resolve implements Strategy.
func (FieldMerge) Resolve(local, remote Document) (*Resolution, error) {
	var localFields, remoteFields map[string]json.RawMessage
	if err := json.Unmarshal(local.Data, &localFields); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "FieldMerge", "local document is not a JSON object")
	}
	if err := json.Unmarshal(remote.Data, &remoteFields); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "FieldMerge", "remote document is not a JSON object")
	}

	localWins := winner(local, remote)
	merged := make(map[string]json.RawMessage, len(localFields)+len(remoteFields))
	for k, v := range remoteFields {
		merged[k] = v
	}

	var discarded []json.RawMessage
	keys := make([]string, 0, len(localFields))
	for k := range localFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lv := localFields[k]
		rv, inRemote := remoteFields[k]
		if !inRemote || bytes.Equal(lv, rv) {
			merged[k] = lv
			continue
		}
		// Conflicting field: per-field last-write-wins.
		loser := lv
		if localWins {
			merged[k] = lv
			loser = rv
		}
		entry, err := json.Marshal(map[string]json.RawMessage{k: loser})
		if err != nil {
			return nil, errors.Wrap(err, "resolver", "FieldMerge", "encode discarded field")
		}
		discarded = append(discarded, entry)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "resolver", "FieldMerge", "encode merged document")
	}
	return &Resolution{Merged: data, Discarded: discarded}, nil
}

// Sequence edit operations for OperationalTransform.
const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// SeqOp is one edit against an ordered sequence.
type SeqOp struct {
	Kind string `json:"kind"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

// TransformOp shifts op's position past the intervening remote operations so
// it applies cleanly to the sequence the remote ops produced.
func TransformOp(op SeqOp, against []SeqOp) SeqOp {
	for _, r := range against {
		switch r.Kind {
		case OpInsert:
			if op.Pos >= r.Pos {
				op.Pos += len(r.Text)
			}
		case OpDelete:
			switch {
			case op.Pos >= r.Pos+r.Len:
				op.Pos -= r.Len
			case op.Pos > r.Pos:
				op.Pos = r.Pos
			}
		}
	}
	return op
}

// localEdit is an OperationalTransform local document: one pending edit.
type localEdit struct {
	Op SeqOp `json:"op"`
}

// remoteSequence is an OperationalTransform remote document: the current
// remote text and the operations that produced it since the local edit's
// base.
type remoteSequence struct {
	Text string  `json:"text"`
	Ops  []SeqOp `json:"ops"`
}

// OperationalTransform merges a local sequence edit with intervening remote
// edits by transforming the local operation's position before applying it to
// the remote text.
type OperationalTransform struct{}

// Name implements Strategy.
func (OperationalTransform) Name() string { return "operational-transform" }

// Resolve implements Strategy.
func (OperationalTransform) Resolve(local, remote Document) (*Resolution, error) {
	var edit localEdit
	if err := json.Unmarshal(local.Data, &edit); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "OperationalTransform", "local document is not a sequence edit")
	}
	var seq remoteSequence
	if err := json.Unmarshal(remote.Data, &seq); err != nil {
		return nil, errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "OperationalTransform", "remote document is not a sequence")
	}

	op := TransformOp(edit.Op, seq.Ops)
	text, err := applyOp(seq.Text, op)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(remoteSequence{Text: text, Ops: append(seq.Ops, op)})
	if err != nil {
		return nil, errors.Wrap(err, "resolver", "OperationalTransform", "encode merged sequence")
	}
	return &Resolution{Merged: data}, nil
}

func applyOp(text string, op SeqOp) (string, error) {
	switch op.Kind {
	case OpInsert:
		if op.Pos < 0 || op.Pos > len(text) {
			return "", errors.WrapUnresolvable(errors.ErrConflictEscalate,
				"resolver", "applyOp", "insert position out of range after transform")
		}
		return text[:op.Pos] + op.Text + text[op.Pos:], nil
	case OpDelete:
		if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(text) {
			return "", errors.WrapUnresolvable(errors.ErrConflictEscalate,
				"resolver", "applyOp", "delete range out of range after transform")
		}
		return text[:op.Pos] + text[op.Pos+op.Len:], nil
	default:
		return "", errors.WrapUnresolvable(errors.ErrConflictEscalate,
			"resolver", "applyOp", "unknown sequence operation "+op.Kind)
	}
}
