package llm

import (
	"fmt"
	"regexp"
	"strings"
)

// FieldKind selects how a schema field is rendered and parsed.
type FieldKind int

const (
	// ThinkField is free-form reasoning text.
	ThinkField FieldKind = iota
	// ChoiceField is one option out of a fixed set.
	ChoiceField
	// CodeField is a single fenced code block.
	CodeField
)

// Field is one section of a structured reply.
type Field struct {
	Name        string
	Kind        FieldKind
	Description string
	Options     []string
	Language    string
}

// Think declares a reasoning field.
func Think(name, description string) Field {
	return Field{Name: name, Kind: ThinkField, Description: description}
}

// Choice declares a field whose value must be one of options.
func Choice(name, description string, options ...string) Field {
	return Field{Name: name, Kind: ChoiceField, Description: description, Options: options}
}

// Code declares a field holding one fenced code block.
func Code(name, description, language string) Field {
	return Field{Name: name, Kind: CodeField, Description: description, Language: language}
}

// Schema is the ordered list of sections a reply must contain.
type Schema struct {
	Fields []Field
}

// NewSchema creates a schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// Answer maps field names to parsed values.
type Answer map[string]string

var (
	// sectionHeaderPattern matches "### name" section headers.
	sectionHeaderPattern = regexp.MustCompile(`(?m)^###[ \t]+(.+?)[ \t]*$`)
	// codeBlockPattern matches the body of a fenced code block.
	codeBlockPattern = regexp.MustCompile("(?s)```[^\\n]*\\n(.*?)```")
	// choiceTrimPattern strips markdown decoration around a choice.
	choiceTrimPattern = regexp.MustCompile("^[\\s*_`\"'>-]+|[\\s*_`\"'.!]+$")
)

// Instructions renders the reply format the model must follow.
func (s Schema) Instructions() string {
	var b strings.Builder
	b.WriteString("Format your reply as the following sections, in this order, each starting with its header line:\n")
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "\n### %s\n", f.Name)
		switch f.Kind {
		case ThinkField:
			fmt.Fprintf(&b, "%s\n", f.Description)
		case ChoiceField:
			fmt.Fprintf(&b, "%s\nAnswer with exactly one of: %s\n", f.Description, strings.Join(f.Options, ", "))
		case CodeField:
			fmt.Fprintf(&b, "%s\nWrite exactly one code block:\n```%s\n...\n```\n", f.Description, f.Language)
		}
	}
	return b.String()
}

// Parse extracts every field from a reply.
func (s Schema) Parse(content string) (Answer, error) {
	sections := splitSections(content)
	if len(sections) == 0 {
		return nil, &ParseError{Reason: "no \"### <section>\" headers found"}
	}

	answer := make(Answer, len(s.Fields))
	for _, f := range s.Fields {
		body, ok := sections[strings.ToLower(f.Name)]
		if !ok {
			return nil, &ParseError{Field: f.Name, Reason: "section missing"}
		}

		switch f.Kind {
		case ThinkField:
			answer[f.Name] = strings.TrimSpace(body)
		case ChoiceField:
			value, err := parseChoice(f, body)
			if err != nil {
				return nil, err
			}
			answer[f.Name] = value
		case CodeField:
			m := codeBlockPattern.FindStringSubmatch(body)
			if m == nil {
				return nil, &ParseError{Field: f.Name, Reason: "no fenced code block"}
			}
			code := strings.TrimSpace(m[1])
			if code == "" {
				return nil, &ParseError{Field: f.Name, Reason: "empty code block"}
			}
			answer[f.Name] = code
		}
	}
	return answer, nil
}

func parseChoice(f Field, body string) (string, error) {
	for _, line := range strings.Split(body, "\n") {
		value := strings.ToLower(choiceTrimPattern.ReplaceAllString(line, ""))
		if value == "" {
			continue
		}
		for _, option := range f.Options {
			if value == strings.ToLower(option) {
				return option, nil
			}
		}
		return "", &ParseError{Field: f.Name, Reason: fmt.Sprintf("%q is not one of %s", value, strings.Join(f.Options, ", "))}
	}
	return "", &ParseError{Field: f.Name, Reason: "no choice given"}
}

// splitSections maps lower-cased header names to their bodies. Headers that
// occur inside fenced code blocks are ignored.
func splitSections(content string) map[string]string {
	fences := codeBlockSpans(content)
	inFence := func(pos int) bool {
		for _, span := range fences {
			if pos >= span[0] && pos < span[1] {
				return true
			}
		}
		return false
	}

	var headers [][]int
	for _, loc := range sectionHeaderPattern.FindAllStringSubmatchIndex(content, -1) {
		if !inFence(loc[0]) {
			headers = append(headers, loc)
		}
	}

	sections := make(map[string]string, len(headers))
	for i, loc := range headers {
		name := strings.ToLower(strings.TrimSpace(content[loc[2]:loc[3]]))
		end := len(content)
		if i+1 < len(headers) {
			end = headers[i+1][0]
		}
		if _, seen := sections[name]; !seen {
			sections[name] = content[loc[1]:end]
		}
	}
	return sections
}

func codeBlockSpans(content string) [][2]int {
	var spans [][2]int
	for _, loc := range codeBlockPattern.FindAllStringIndex(content, -1) {
		spans = append(spans, [2]int{loc[0], loc[1]})
	}
	return spans
}
