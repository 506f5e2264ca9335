// Package policy holds the per-account-type matching rules used to decide
// whether a mailbox message is relevant to an OTP request.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPolicy is returned for an account type with no matching policy
var ErrUnknownPolicy = errors.New("unknown account type")

// ErrUnknownSubPolicy is returned for an OTP type the policy does not define
var ErrUnknownSubPolicy = errors.New("unknown otp type")

// ErrSubPolicyRequired is returned when a policy needs an explicit OTP type
var ErrSubPolicyRequired = errors.New("otp type is required")

// SubPolicy is one OTP flavour within an account type. LinkFallback permits the
// second extraction stage: when the message text yields no code, follow an
// embedded link and extract from the rendered page instead.
type SubPolicy struct {
	Key             string
	SubjectKeywords []string
	BodyKeywords    []string
	LinkFallback    bool
}

// Policy is the matching rule set for one account type
type Policy struct {
	Key           string
	Sender        string // Provider query sender filter
	LinkMarker    string // Substring a fallback link must contain
	RequireSubKey bool   // Whether requests must name an OTP type
	DefaultSubKey string // Used when RequireSubKey is false and none given
	SubPolicies   map[string]SubPolicy
}

// Matches reports whether a message is relevant to this sub-policy: a
// case-insensitive substring hit in the subject keywords OR the body keywords
// is sufficient.
func (sp SubPolicy) Matches(subject, body string) bool {
	subject = strings.ToLower(subject)
	body = strings.ToLower(body)
	for _, kw := range sp.SubjectKeywords {
		if strings.Contains(subject, strings.ToLower(kw)) {
			return true
		}
	}
	for _, kw := range sp.BodyKeywords {
		if strings.Contains(body, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

var policies = map[string]Policy{
	"netflix": {
		Key:           "netflix",
		Sender:        "info@account.netflix.com",
		LinkMarker:    "netflix",
		RequireSubKey: true,
		SubPolicies: map[string]SubPolicy{
			"signin": {
				Key:             "signin",
				SubjectKeywords: []string{"sign in", "login", "verification"},
				BodyKeywords:    []string{"sign in to your account", "verification code", "code to sign in"},
			},
			"temporary": {
				Key:             "temporary",
				SubjectKeywords: []string{"temporary", "access"},
				BodyKeywords:    []string{"temporary access code", "temporary code"},
			},
			"household": {
				Key:             "household",
				SubjectKeywords: []string{"household", "family", "member"},
				BodyKeywords:    []string{"household link", "family member", "join household"},
				LinkFallback:    true,
			},
		},
	},
	"chatgpt": {
		Key:           "chatgpt",
		Sender:        "no-reply@openai.com",
		LinkMarker:    "openai",
		DefaultSubKey: "signin",
		SubPolicies: map[string]SubPolicy{
			"signin": {
				Key:             "signin",
				SubjectKeywords: []string{"verification", "code"},
				BodyKeywords:    []string{"verification code", "your code"},
			},
		},
	},
}

// Lookup returns the policy for an account type
func Lookup(accountType string) (Policy, error) {
	p, ok := policies[strings.ToLower(accountType)]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrUnknownPolicy, accountType)
	}
	return p, nil
}

// Resolve validates the (accountType, otpType) pair and returns the matching
// policy and sub-policy, applying the policy default when no OTP type is given.
func Resolve(accountType, otpType string) (Policy, SubPolicy, error) {
	p, err := Lookup(accountType)
	if err != nil {
		return Policy{}, SubPolicy{}, err
	}

	if otpType == "" {
		if p.RequireSubKey {
			return Policy{}, SubPolicy{}, fmt.Errorf("%w for account type %s", ErrSubPolicyRequired, p.Key)
		}
		otpType = p.DefaultSubKey
	}

	sp, ok := p.SubPolicies[strings.ToLower(otpType)]
	if !ok {
		return Policy{}, SubPolicy{}, fmt.Errorf("%w: %s for account type %s", ErrUnknownSubPolicy, otpType, p.Key)
	}
	return p, sp, nil
}

// Keys returns all known account type keys
func Keys() []string {
	keys := make([]string, 0, len(policies))
	for k := range policies {
		keys = append(keys, k)
	}
	return keys
}
