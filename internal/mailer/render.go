// Package mailer renders and delivers the digest email and the error and
// re-auth notices. Rendering uses Liquid templates with a few custom
// filters; delivery goes through AWS SESv2.
package mailer

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/osteele/liquid"

	"github.com/ignite/inbox-digest/internal/digest"
)

// Renderer renders digest and notification bodies from Liquid templates.
type Renderer struct {
	engine  *liquid.Engine
	digest  *liquid.Template
	errHTML *liquid.Template
	reauth  *liquid.Template
}

// NewRenderer parses all templates up front so render-time errors are
// limited to bindings.
func NewRenderer() (*Renderer, error) {
	engine := liquid.NewEngine()
	registerFilters(engine)

	r := &Renderer{engine: engine}
	var err error
	if r.digest, err = engine.ParseString(digestTemplate); err != nil {
		return nil, fmt.Errorf("parsing digest template: %w", err)
	}
	if r.errHTML, err = engine.ParseString(errorTemplate); err != nil {
		return nil, fmt.Errorf("parsing error template: %w", err)
	}
	if r.reauth, err = engine.ParseString(reauthTemplate); err != nil {
		return nil, fmt.Errorf("parsing reauth template: %w", err)
	}
	return r, nil
}

func registerFilters(engine *liquid.Engine) {
	// Truncate with ellipsis: {{ summary | truncate: 200 }}
	engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	// Title case: {{ mode | titlecase }}
	engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
		return strings.Join(words, " ")
	})

	// HTML escape: {{ subject | escape }}
	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Dollar formatting for the stats footer: {{ cost | dollars }}
	engine.RegisterFilter("dollars", func(value interface{}) string {
		switch v := value.(type) {
		case float64:
			return fmt.Sprintf("$%.2f", v)
		case int:
			return fmt.Sprintf("$%d.00", v)
		default:
			return fmt.Sprintf("$%v", v)
		}
	})
}

// RenderDigest renders the HTML digest body and a plain-text alternative.
func (r *Renderer) RenderDigest(out digest.DigestOutput) (htmlBody, textBody string, err error) {
	bindings, err := toBindings(out)
	if err != nil {
		return "", "", err
	}
	rendered, err := r.digest.Render(bindings)
	if err != nil {
		return "", "", fmt.Errorf("rendering digest: %w", err)
	}
	return string(rendered), renderDigestText(out), nil
}

// RenderError renders the [ALERT] notification body for a failed run.
func (r *Renderer) RenderError(contextLabel, message, details string) (string, error) {
	rendered, err := r.errHTML.Render(liquid.Bindings{
		"context": contextLabel,
		"message": message,
		"details": details,
	})
	if err != nil {
		return "", fmt.Errorf("rendering error notice: %w", err)
	}
	return string(rendered), nil
}

// RenderReauth renders the re-authorization notice.
func (r *Renderer) RenderReauth(reauthURL string) (string, error) {
	rendered, err := r.reauth.Render(liquid.Bindings{"reauth_url": reauthURL})
	if err != nil {
		return "", fmt.Errorf("rendering reauth notice: %w", err)
	}
	return string(rendered), nil
}

// toBindings converts the digest output into Liquid bindings through a JSON
// round-trip so templates address fields by their wire names.
func toBindings(out digest.DigestOutput) (liquid.Bindings, error) {
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling digest output: %w", err)
	}
	var bindings liquid.Bindings
	if err := json.Unmarshal(raw, &bindings); err != nil {
		return nil, fmt.Errorf("binding digest output: %w", err)
	}
	bindings["mode_title"] = out.Mode.Title()
	return bindings, nil
}

// renderDigestText builds the plain-text alternative without templating;
// text clients get structure from indentation alone.
func renderDigestText(out digest.DigestOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", out.Subject())
	if out.Headline != "" {
		fmt.Fprintf(&b, "%s\n\n", out.Headline)
	}
	if out.ShortMessage != "" {
		fmt.Fprintf(&b, "%s\n\n", out.ShortMessage)
	}
	for i, s := range out.Summaries {
		fmt.Fprintf(&b, "%d. %s\n   From: %s (%s)\n\n%s\n", i+1, s.Title, s.Sender, s.Date, indent(s.Summary))
		if len(s.KeyInsights) > 0 {
			b.WriteString("   Key insights:\n")
			for _, k := range s.KeyInsights {
				fmt.Fprintf(&b, "   - %s\n", k)
			}
		}
		if s.WhyItMatters != "" {
			fmt.Fprintf(&b, "   Why it matters: %s\n", s.WhyItMatters)
		}
		for _, a := range s.ActionItems {
			fmt.Fprintf(&b, "   Action: %s\n", a)
		}
		if s.Critique != "" {
			fmt.Fprintf(&b, "   Counterpoint: %s\n", s.Critique)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "---\n%d emails scanned, %d AI-related, %d in this digest. Estimated cost $%.2f.\n",
		out.Stats.TotalEmails, out.Stats.AIEmails, out.Stats.ProcessedEmails, out.Stats.TotalCost)
	return b.String()
}

func indent(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = "   " + l
	}
	return strings.Join(lines, "\n")
}
