package timeseries

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPSource fetches sensor samples from any REST time-series API and
// extracts them using JSON path expressions.
//
// It supports:
//   - Configurable HTTP method (GET, POST, etc.)
//   - Template-based URL and request body with variables:
//     {{.Vessel}}, {{.Tag}}, {{.Start}}, {{.End}}, {{.StartRFC3339}}, {{.EndRFC3339}}
//   - Custom headers including authentication (Bearer tokens, API keys, etc.)
//   - JSON path extraction for timestamps and values using gjson syntax
//   - Flexible timestamp parsing (RFC3339, Unix seconds, Unix milliseconds)
//
// One request is issued per requested tag, so the upstream store only needs
// a single-series query endpoint. Example configuration:
//
//	src := &HTTPSource{
//	    URL: "https://historian.example.com/series/{{.Tag}}",
//	    Method: "POST",
//	    Body: `{"vessel": "{{.Vessel}}", "from": {{.Start}}, "to": {{.End}}}`,
//	    ValuePath: "points.#.value",
//	    TimestampPath: "points.#.ts",
//	}
type HTTPSource struct {
	// URL is the endpoint template to call (required).
	URL string

	// Method is the HTTP method (GET, POST, etc.). Defaults to GET if empty.
	Method string

	// Headers are custom HTTP headers to include in the request.
	// Values can use template variables like {{.Token}}.
	Headers map[string]string

	// Body is the request body template (for POST/PUT).
	Body string

	// ValuePath is the gjson path to extract sample values from the response.
	// Use "#" for arrays, e.g. "points.#.value".
	ValuePath string

	// TimestampPath is the gjson path to extract timestamps from the response.
	// Must return the same number of elements as ValuePath.
	TimestampPath string

	// UnitPath optionally extracts the engineering unit for the series.
	UnitPath string

	// TimestampFormat specifies how to parse timestamps:
	//   "rfc3339"    - RFC3339 strings (default)
	//   "unix"       - Unix seconds (float or int)
	//   "unix_milli" - Unix milliseconds (float or int)
	TimestampFormat string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// TemplateVars are custom variables available in URL, Body and Headers
	// templates. Use this to pass tokens, API keys, etc.
	TemplateVars map[string]string
}

func (h *HTTPSource) Name() string { return "http" }

// FetchWindow implements Source. It queries the configured endpoint once per
// tag and assembles the per-tag series into a Window. A tag whose query
// returns no points is simply absent from the result; downstream cleaning
// treats it as missing.
func (h *HTTPSource) FetchWindow(ctx context.Context, vessel string, start, end time.Time, tags []string) (Window, error) {
	if h.URL == "" {
		return Window{}, errors.New("http source: URL is required")
	}
	if h.ValuePath == "" || h.TimestampPath == "" {
		return Window{}, errors.New("http source: ValuePath and TimestampPath are required")
	}

	win := Window{
		VesselID: vessel,
		Start:    start,
		End:      end,
		Series:   make(map[string][]Sample, len(tags)),
	}

	for _, tag := range tags {
		samples, err := h.fetchSeries(ctx, vessel, tag, start, end)
		if err != nil {
			return Window{}, fmt.Errorf("fetch series %q: %w", tag, err)
		}
		if len(samples) > 0 {
			win.Series[tag] = samples
		}
	}

	win.Sort()
	return win, nil
}

func (h *HTTPSource) fetchSeries(ctx context.Context, vessel, tag string, start, end time.Time) ([]Sample, error) {
	templateData := map[string]any{
		"Vessel":       vessel,
		"Tag":          tag,
		"Start":        start.Unix(),
		"End":          end.Unix(),
		"StartRFC3339": start.UTC().Format(time.RFC3339),
		"EndRFC3339":   end.UTC().Format(time.RFC3339),
	}
	for k, v := range h.TemplateVars {
		templateData[k] = v
	}

	url, err := renderTemplate(h.URL, templateData)
	if err != nil {
		return nil, fmt.Errorf("render url template: %w", err)
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, templateData)
		if err != nil {
			return nil, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = bytes.NewBufferString(rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, templateData)
		if err != nil {
			return nil, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	values := gjson.GetBytes(respBody, h.ValuePath)
	timestamps := gjson.GetBytes(respBody, h.TimestampPath)

	if !values.Exists() || !timestamps.Exists() {
		// The store answered but has no points for this tag in the
		// interval. Missing data is the cleaner's concern, not an error.
		return nil, nil
	}

	valArray := values.Array()
	tsArray := timestamps.Array()

	if len(valArray) != len(tsArray) {
		return nil, fmt.Errorf("value count (%d) != timestamp count (%d)", len(valArray), len(tsArray))
	}

	unit := ""
	if h.UnitPath != "" {
		unit = gjson.GetBytes(respBody, h.UnitPath).String()
	}

	samples := make([]Sample, 0, len(valArray))
	for i := range valArray {
		ts, err := h.parseTimestamp(tsArray[i])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp[%d]: %w", i, err)
		}

		samples = append(samples, Sample{
			Tag:       tag,
			Timestamp: ts,
			Value:     valArray[i].Float(),
			Unit:      unit,
		})
	}

	return samples, nil
}

// parseTimestamp parses a timestamp according to the configured format.
func (h *HTTPSource) parseTimestamp(value gjson.Result) (time.Time, error) {
	format := h.TimestampFormat
	if format == "" {
		format = "rfc3339"
	}

	switch format {
	case "rfc3339":
		return time.Parse(time.RFC3339, value.String())

	case "unix":
		sec := value.Float()
		return time.Unix(int64(sec), 0).UTC(), nil

	case "unix_milli":
		ms := value.Float()
		return time.UnixMilli(int64(ms)).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp format: %s", format)
	}
}

// renderTemplate renders a text template with the given data.
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
