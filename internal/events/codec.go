package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode serializes a payload for storage.
func Encode(p Payload) ([]byte, error) {
	if u, ok := p.(Unknown); ok {
		return append([]byte(nil), u.Raw...), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Kind(), err)
	}
	return data, nil
}

// Decode restores a payload from its stored kind and bytes. Kinds this build
// does not know decode to Unknown so older binaries can still replay newer logs.
func Decode(kind Kind, raw []byte) (Payload, error) {
	switch kind {
	case KindDocumentLoaded:
		return decodeInto[DocumentLoaded](kind, raw)
	case KindIdentityAnonymized:
		return decodeInto[IdentityAnonymized](kind, raw)
	case KindAnalysisRequested:
		return decodeInto[AnalysisRequested](kind, raw)
	case KindAnalysisCompleted:
		return decodeInto[AnalysisCompleted](kind, raw)
	case KindAnalysisFailed:
		return decodeInto[AnalysisFailed](kind, raw)
	case KindFeedbackEdited:
		return decodeInto[FeedbackEdited](kind, raw)
	case KindDocumentExported:
		return decodeInto[DocumentExported](kind, raw)
	case KindDocumentDeleted:
		return decodeInto[DocumentDeleted](kind, raw)
	default:
		return Unknown{Name: string(kind), Raw: append([]byte(nil), raw...)}, nil
	}
}

func decodeInto[T Payload](kind Kind, raw []byte) (Payload, error) {
	var p T
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return p, nil
}
