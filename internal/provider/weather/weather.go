// Package weather implements the current-conditions trigger against a
// weather data API. Authentication is a static API key, so calls do
// not go through the credential manager.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weftd/weft/internal/httpkit"
	"github.com/weftd/weft/internal/plugin"
)

// Slug is the provider identifier used in rule descriptors.
const Slug = "weather"

// DefaultBaseURL is the production weather API root.
const DefaultBaseURL = "https://api.openweathermap.org"

// Provider queries current conditions for a city.
type Provider struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates the weather provider. baseURL may be empty for the
// production API; tests point it at a local fake.
func New(baseURL, apiKey string, logger *slog.Logger) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
		logger:  logger,
	}
}

// Register adds the weather capabilities to the registry builder.
func (p *Provider) Register(b *plugin.Builder) {
	b.Condition(Slug, "current", "current conditions match, or temperature drops below a threshold", p.currentCondition)
}

// observation is the subset of the API response the condition needs.
type observation struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Name string `json:"name"`
}

// currentCondition matches when the reported condition string equals
// params["condition"] (case-insensitive), or when the reported
// temperature is below params["temperature_below"]. At least one of
// the two must be configured.
func (p *Provider) currentCondition(ctx context.Context, in plugin.EvalInput) (plugin.EvalResult, error) {
	city, err := plugin.StringParam(in.Params, "city")
	if err != nil {
		return plugin.EvalResult{}, err
	}

	wantCondition, err := plugin.OptionalStringParam(in.Params, "condition", "")
	if err != nil {
		return plugin.EvalResult{}, err
	}
	_, hasThreshold := in.Params["temperature_below"]
	if wantCondition == "" && !hasThreshold {
		return plugin.EvalResult{}, &plugin.ConfigError{
			Param:  "condition",
			Reason: "either condition or temperature_below is required",
		}
	}
	var threshold float64
	if hasThreshold {
		if threshold, err = plugin.FloatParam(in.Params, "temperature_below"); err != nil {
			return plugin.EvalResult{}, err
		}
	}

	obs, err := p.fetch(ctx, city)
	if err != nil {
		return plugin.EvalResult{}, err
	}

	matched := false
	current := ""
	if len(obs.Weather) > 0 {
		current = obs.Weather[0].Main
	}
	if wantCondition != "" && strings.EqualFold(current, wantCondition) {
		matched = true
	}
	if hasThreshold && obs.Main.Temp < threshold {
		matched = true
	}
	if !matched {
		return plugin.EvalResult{}, nil
	}

	return plugin.EvalResult{
		Matched: true,
		Evidence: map[string]any{
			"weather_condition":   current,
			"weather_temperature": obs.Main.Temp,
			"weather_city":        obs.Name,
		},
	}, nil
}

// fetch performs one read of current conditions for the city.
func (p *Provider) fetch(ctx context.Context, city string) (*observation, error) {
	q := url.Values{
		"q":     {city},
		"appid": {p.apiKey},
		"units": {"metric"},
	}
	u := fmt.Sprintf("%s/data/2.5/weather?%s", p.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build weather request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request for %q: %w", city, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return nil, &plugin.ConfigError{Param: "city", Reason: fmt.Sprintf("unknown city %q", city)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather request for %q: status %d: %s",
			city, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}

	var obs observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}
	return &obs, nil
}
