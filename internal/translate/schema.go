package translate

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SanitizeFunctionName coerces name into the [A-Za-z0-9_-]{1,64} alphabet
// the upstream requires for tool names, prefixing an underscore if the
// result would not start with a letter or underscore. Grounded on the
// teacher's internal/util.SanitizeFunctionName.
func SanitizeFunctionName(name string) string {
	name = nameSanitizePattern.ReplaceAllString(name, "_")
	if name == "" {
		return "tool"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	if !startsWithLetterOrUnderscore.MatchString(name) {
		name = "_" + name
		if len(name) > 64 {
			name = name[:64]
		}
	}
	return name
}

var (
	nameSanitizePattern          = regexp.MustCompile(`[^A-Za-z0-9_-]`)
	startsWithLetterOrUnderscore = regexp.MustCompile(`^[A-Za-z_]`)
)

// unsupportedKeywords are JSON Schema keywords the upstream rejects outright:
// draft-specific metakeywords, and anything in the vendor-extension x-*
// namespace. Grounded on the teacher's internal/util.gemini_schema.go keyword
// denylist.
var unsupportedKeywords = []string{
	"$schema", "$id", "$comment", "$defs", "definitions",
	"examples", "default", "title",
	"minLength", "maxLength", "pattern", "format",
	"exclusiveMinimum", "exclusiveMaximum",
	"additionalProperties", "patternProperties",
	"contentEncoding", "contentMediaType",
}

// SanitizeSchemaLenient removes only the keywords that are universally
// rejected, leaving everything else (e.g. $ref, anyOf/oneOf) alone. Used for
// Claude-family targets, which tolerate a broader schema dialect.
func SanitizeSchemaLenient(schema []byte) ([]byte, error) {
	if len(schema) == 0 || !gjson.ValidBytes(schema) {
		return []byte(`{"type":"object","properties":{}}`), nil
	}
	out := schema
	var err error
	for _, kw := range []string{"$schema", "$id", "$comment"} {
		out, err = stripKeywordEverywhere(out, kw)
		if err != nil {
			return nil, err
		}
	}
	return ensureNonEmptyObjectSchema(out)
}

// SanitizeSchemaStrict applies the lenient pass plus Gemini's additional
// constraints: flattens allOf/anyOf/oneOf, coerces enum members to strings,
// strips every remaining unsupported keyword, and flattens JSON-Schema-draft
// "type" arrays (["string","null"]) to the first non-null entry plus
// "nullable". Grounded on the teacher's CleanJSONSchemaForGemini pipeline.
func SanitizeSchemaStrict(schema []byte) ([]byte, error) {
	out, err := SanitizeSchemaLenient(schema)
	if err != nil {
		return nil, err
	}
	for _, kw := range unsupportedKeywords {
		out, err = stripKeywordEverywhere(out, kw)
		if err != nil {
			return nil, err
		}
	}
	out, err = flattenTypeArrays(out)
	if err != nil {
		return nil, err
	}
	out, err = coerceEnumsToStrings(out)
	if err != nil {
		return nil, err
	}
	return ensureNonEmptyObjectSchema(out)
}

// ensureNonEmptyObjectSchema guarantees the root schema is an object type
// with a non-nil properties map, injecting a placeholder property when the
// schema describes an object with zero declared properties (some upstream
// validators reject an empty properties object outright).
func ensureNonEmptyObjectSchema(schema []byte) ([]byte, error) {
	if gjson.GetBytes(schema, "type").String() != "object" {
		return schema, nil
	}
	props := gjson.GetBytes(schema, "properties")
	if props.Exists() && len(props.Map()) > 0 {
		return schema, nil
	}
	return sjson.SetRawBytes(schema, "properties", []byte(`{"_unused":{"type":"string"}}`))
}

// stripKeywordEverywhere walks every object in the schema tree and deletes
// keyword wherever it appears, including inside nested "properties",
// "items", and "anyOf"/"oneOf"/"allOf" entries.
func stripKeywordEverywhere(schema []byte, keyword string) ([]byte, error) {
	var walkErr error
	paths := collectObjectPaths(schema)
	out := schema
	for _, p := range paths {
		target := p
		if p != "" {
			target = p + "." + keyword
		} else {
			target = keyword
		}
		if gjson.GetBytes(out, target).Exists() {
			var err error
			out, err = sjson.DeleteBytes(out, target)
			if err != nil {
				walkErr = err
			}
		}
	}
	return out, walkErr
}

// collectObjectPaths returns the gjson path of every JSON object found
// anywhere in schema, including the root ("").
func collectObjectPaths(schema []byte) []string {
	var paths []string
	var walk func(path string, value gjson.Result)
	walk = func(path string, value gjson.Result) {
		if value.IsObject() {
			paths = append(paths, path)
			value.ForEach(func(key, v gjson.Result) bool {
				childPath := key.String()
				if path != "" {
					childPath = path + "." + escapePathSegment(key.String())
				} else {
					childPath = escapePathSegment(key.String())
				}
				walk(childPath, v)
				return true
			})
		} else if value.IsArray() {
			value.ForEach(func(idx, v gjson.Result) bool {
				childPath := idx.String()
				if path != "" {
					childPath = path + "." + idx.String()
				}
				walk(childPath, v)
				return true
			})
		}
	}
	root := gjson.ParseBytes(schema)
	walk("", root)
	return paths
}

// escapePathSegment escapes gjson path metacharacters in a property name so
// it can be safely embedded in a dotted path.
func escapePathSegment(seg string) string {
	seg = strings.ReplaceAll(seg, `\`, `\\`)
	seg = strings.ReplaceAll(seg, `.`, `\.`)
	seg = strings.ReplaceAll(seg, `*`, `\*`)
	seg = strings.ReplaceAll(seg, `?`, `\?`)
	return seg
}

// flattenTypeArrays rewrites every "type": [...] array anywhere in the
// schema into a single string type plus "nullable": true when "null" was one
// of the alternatives, since the upstream schema dialect does not support
// type unions.
func flattenTypeArrays(schema []byte) ([]byte, error) {
	out := schema
	for _, path := range collectObjectPaths(out) {
		typePath := "type"
		if path != "" {
			typePath = path + ".type"
		}
		v := gjson.GetBytes(out, typePath)
		if !v.IsArray() {
			continue
		}
		var chosen string
		nullable := false
		for _, t := range v.Array() {
			if t.String() == "null" {
				nullable = true
				continue
			}
			if chosen == "" {
				chosen = t.String()
			}
		}
		if chosen == "" {
			chosen = "string"
		}
		var err error
		out, err = sjson.SetBytes(out, typePath, chosen)
		if err != nil {
			return nil, err
		}
		if nullable {
			nullablePath := "nullable"
			if path != "" {
				nullablePath = path + ".nullable"
			}
			out, err = sjson.SetBytes(out, nullablePath, true)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// coerceEnumsToStrings rewrites every "enum" array anywhere in the schema so
// all members are JSON strings, since the strict upstream dialect rejects
// mixed-type or non-string enum members.
func coerceEnumsToStrings(schema []byte) ([]byte, error) {
	out := schema
	for _, path := range collectObjectPaths(out) {
		enumPath := "enum"
		if path != "" {
			enumPath = path + ".enum"
		}
		v := gjson.GetBytes(out, enumPath)
		if !v.IsArray() {
			continue
		}
		strs := make([]string, 0, len(v.Array()))
		for _, item := range v.Array() {
			strs = append(strs, item.String())
		}
		var err error
		out, err = sjson.SetBytes(out, enumPath, strs)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
