// Package auth decides whether an agent's token grants it a tunnel.
package auth

import (
	"fmt"
)

// Claims are the token fields the handshake cares about.
type Claims struct {
	Email         string
	EmailVerified bool
	HostedDomain  string
}

// Policy is the pair of allow-lists loaded at startup. It never changes for
// the lifetime of the process.
type Policy struct {
	users       map[string]struct{}
	hostDomains map[string]struct{}
}

func NewPolicy(users, hostDomains []string) Policy {
	p := Policy{
		users:       make(map[string]struct{}, len(users)),
		hostDomains: make(map[string]struct{}, len(hostDomains)),
	}
	for _, user := range users {
		p.users[user] = struct{}{}
	}
	for _, domain := range hostDomains {
		p.hostDomains[domain] = struct{}{}
	}
	return p
}

// Authorize passes iff the email is verified and allow-listed, or the
// token's hosted domain is allow-listed.
func (p Policy) Authorize(claims Claims) error {
	if claims.EmailVerified {
		if _, ok := p.users[claims.Email]; ok {
			return nil
		}
	}
	if claims.HostedDomain != "" {
		if _, ok := p.hostDomains[claims.HostedDomain]; ok {
			return nil
		}
	}
	return fmt.Errorf("%q is not authorized to open a tunnel", claims.Email)
}
