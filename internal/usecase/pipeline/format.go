package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"chorus/internal/domain"
)

// FormatRoute renders a route on one line:
//
//	review: numa-ai (purpose: "prepare") → apollo-ai → rhetor-ai (purpose: "decide")
func FormatRoute(r domain.Route) string {
	parts := make([]string, 0, len(r.Hops)+1)
	for i := 0; i <= len(r.Hops); i++ {
		id, purpose := r.Target(i)
		if purpose != "" {
			parts = append(parts, fmt.Sprintf("%s (purpose: %q)", id, purpose))
		} else {
			parts = append(parts, id)
		}
	}
	return r.Name + ": " + strings.Join(parts, " → ")
}

// ParseDefinition parses route definition tokens of the form
//
//	<hop> [purpose "text"] ... <dest> [purpose "text"]
//
// The last specialist token is the destination.
func ParseDefinition(tokens []string) (hops []domain.HopSpec, dest, finalPurpose string, err error) {
	var specs []domain.HopSpec
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if !strings.EqualFold(tok, "purpose") {
			specs = append(specs, domain.HopSpec{Token: tok})
			continue
		}
		if len(specs) == 0 {
			return nil, "", "", domain.NewSubSystemError("pipeline", "ParseDefinition", domain.ErrInvalidInput,
				"purpose before any specialist")
		}
		if i+1 >= len(tokens) {
			return nil, "", "", domain.NewSubSystemError("pipeline", "ParseDefinition", domain.ErrInvalidInput,
				"purpose without value")
		}
		i++
		specs[len(specs)-1].Purpose = tokens[i]
	}
	if len(specs) == 0 {
		return nil, "", "", domain.NewSubSystemError("pipeline", "ParseDefinition", domain.ErrInvalidInput,
			"route needs a destination")
	}
	last := specs[len(specs)-1]
	return specs[:len(specs)-1], last.Token, last.Purpose, nil
}

// renderText is the plain-text form delivered to the destination of a text pipeline.
func renderText(r domain.Route, msg domain.PipelineMessage, purpose string) string {
	var b strings.Builder
	b.WriteString(msg.Message)
	if purpose != "" {
		fmt.Fprintf(&b, "\n\nPurpose: %s", purpose)
	}
	if len(msg.Annotations) > 0 {
		fmt.Fprintf(&b, "\n\nAnnotations (route %s):", r.Name)
		for _, a := range msg.Annotations {
			b.WriteString("\n- ")
			b.WriteString(a.Author)
			if a.Type != "" {
				fmt.Fprintf(&b, " [%s]", a.Type)
			}
			if !isNullJSON(a.Data) {
				b.WriteString(": ")
				b.WriteString(annotationText(a))
			}
		}
	}
	return b.String()
}

// annotationText unquotes string data so notes read naturally.
func annotationText(a domain.Annotation) string {
	var s string
	if err := json.Unmarshal(a.Data, &s); err == nil {
		return s
	}
	return string(a.Data)
}
