// Package routerules lets the configuration override how matching GET requests are served.
package routerules

import (
	"net/http"
	"strings"
)

// Rules is an ordered list of rules. The first matching rule wins.
type Rules []Rule

type Rule struct {
	// Match paths starting with Prefix
	Prefix string `yaml:"prefix"`
	// Match this exact path
	Path string `yaml:"path"`
	// Match query parameters. An empty value only requires the parameter to be present.
	Query map[string]string `yaml:"query"`
	// Strategy used instead of the one routed by request kind
	Strategy string `yaml:"strategy"`
	// Headers set on successful network responses, before they are stored
	Headers map[string]string `yaml:"headers"`
}

// Find returns the first rule matching the request, or nil.
func (r Rules) Find(req *http.Request) *Rule {
rulesLoop:
	for i, rule := range r {
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &r[i]
	}
	return nil
}

// Apply sets the rule's headers on a 2xx response.
// A nil rule leaves the response as is.
func (rule *Rule) Apply(res *http.Response) {
	if rule == nil || res.StatusCode < 200 || res.StatusCode > 299 {
		return
	}
	for name, value := range rule.Headers {
		res.Header.Set(name, value)
	}
}
