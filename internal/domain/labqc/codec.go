package labqc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

var (
	errMalformedAssociation = errors.New("malformed association entry")
	errStaleAssociation     = errors.New("stale association schema version")
)

type associationEntry struct {
	Version     int       `json:"version"`
	TemplateIDs []string  `json:"template_ids"`
	SavedAt     time.Time `json:"saved_at"`
}

func encodeAssociation(ids []string, version int, now time.Time) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(associationEntry{Version: version, TemplateIDs: ids, SavedAt: now.UTC()})
}

// decodeAssociation reads an entry written by encodeAssociation. The version
// and shape are checked before anything is unmarshalled so a stale or foreign
// payload is reported without partially populating the result.
func decodeAssociation(raw []byte, wantVersion int) (Association, error) {
	if !gjson.ValidBytes(raw) {
		return Association{}, errMalformedAssociation
	}
	ver := gjson.GetBytes(raw, "version")
	if ver.Type != gjson.Number {
		return Association{}, fmt.Errorf("%w: missing version", errMalformedAssociation)
	}
	if int(ver.Int()) != wantVersion {
		return Association{}, fmt.Errorf("%w: got %d, want %d", errStaleAssociation, ver.Int(), wantVersion)
	}
	ids := gjson.GetBytes(raw, "template_ids")
	if !ids.IsArray() {
		return Association{}, fmt.Errorf("%w: template_ids is not a list", errMalformedAssociation)
	}

	a := Association{Version: wantVersion, TemplateIDs: make([]string, 0, len(ids.Array()))}
	for _, id := range ids.Array() {
		if id.Type != gjson.String {
			return Association{}, fmt.Errorf("%w: non-string template id", errMalformedAssociation)
		}
		a.TemplateIDs = append(a.TemplateIDs, id.String())
	}
	if ts := gjson.GetBytes(raw, "saved_at"); ts.Exists() {
		a.SavedAt, _ = time.Parse(time.RFC3339Nano, ts.String())
	}
	return a, nil
}

// dedupe drops repeated and empty ids, keeping the first occurrence.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
