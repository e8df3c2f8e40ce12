package buildcache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"rbpack-tools/go/pkg/pathcodec"
)

// MetadataFile is the name of the metadata document in every entry directory.
const MetadataFile = "metadata.json"

// Metadata is the part of every entry's metadata document shared by all stages.
type Metadata struct {
	Stage          StageKind `json:"stage"`
	RuntimeVersion string    `json:"runtime_version"`
	ContentHash    string    `json:"content_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	PathCodec      int       `json:"path_codec"`
}

var reservedFields = []string{"stage", "runtime_version", "content_hash", "created_at", "path_codec"}

type document map[string]json.RawMessage

// encodeDocument flattens stage fields and the shared metadata into one
// object, passing declared path fields through the codec.
func encodeDocument(schema Schema, meta Metadata, fields any, codec *pathcodec.Codec) ([]byte, error) {
	doc := document{}
	if fields != nil {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("marshaling stage fields: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("stage fields must be a JSON object: %w", err)
		}
	}
	for _, name := range reservedFields {
		if _, clash := doc[name]; clash {
			return nil, fmt.Errorf("stage field %q shadows shared metadata", name)
		}
	}
	if err := doc.rewrite(schema, codec, true); err != nil {
		return nil, err
	}

	shared, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	var sharedDoc document
	if err := json.Unmarshal(shared, &sharedDoc); err != nil {
		return nil, err
	}
	for k, v := range sharedDoc {
		doc[k] = v
	}
	return json.MarshalIndent(doc, "", "  ")
}

// readDocument parses a metadata file without touching path fields.
func readDocument(path string) (document, *Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrMalformedMetadata, path, err)
	}
	if meta.PathCodec != 0 && meta.PathCodec != pathcodec.Version {
		return nil, nil, fmt.Errorf("%w: %s: path codec version %d, want %d", ErrMalformedMetadata, path, meta.PathCodec, pathcodec.Version)
	}
	return doc, &meta, nil
}

// decodeInto rewrites path fields against codec and unmarshals the document
// into out.
func (d document) decodeInto(schema Schema, codec *pathcodec.Codec, out any) error {
	if err := d.rewrite(schema, codec, false); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	return nil
}

func (d document) rewrite(schema Schema, codec *pathcodec.Codec, encode bool) error {
	if len(schema.PathFields) == 0 {
		return nil
	}
	if codec == nil {
		return fmt.Errorf("schema %s declares path fields but no path codec was given", schema.Kind)
	}
	for name, rule := range schema.PathFields {
		raw, ok := d[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var one string
		if err := json.Unmarshal(raw, &one); err == nil {
			var out string
			if encode {
				out, err = codec.Encode(rule, one)
			} else {
				out, err = codec.Decode(rule, one)
			}
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			d[name], _ = json.Marshal(out)
			continue
		}
		var many []string
		if err := json.Unmarshal(raw, &many); err != nil {
			return fmt.Errorf("%w: field %s is neither a path nor a path list", ErrMalformedMetadata, name)
		}
		var out []string
		var err error
		if encode {
			out, err = codec.EncodeList(rule, many)
		} else {
			out, err = codec.DecodeList(rule, many)
		}
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		d[name], _ = json.Marshal(out)
	}
	return nil
}

// nestedPaths returns the sub-paths listed in a Nested metadata field.
func (d document) nestedPaths(field string) ([]string, error) {
	raw, ok := d[field]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal(raw, &paths); err != nil {
		return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedMetadata, field, err)
	}
	return paths, nil
}
