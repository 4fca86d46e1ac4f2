// Package clientid implements deterministic instance identity:
// {type}-{host}-{port}, with ':' in host replaced by '_' since ':' is the
// reserved compound-key separator (model.CompoundKey). Mirrors the
// teacher's cmn/shortid.go in spirit: a small, pure, well-tested ID utility
// with no dependencies on the rest of the tree.
package clientid

import (
	"fmt"
	"strings"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

// Generate derives the deterministic instanceId for a client instance.
func Generate(clientType model.ClientType, host string, port int) string {
	safeHost := strings.ReplaceAll(host, ":", "_")
	return fmt.Sprintf("%s-%s-%d", clientType, safeHost, port)
}

const validChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-"

// Validate enforces the character set and non-emptiness required of a
// user-supplied (config-sourced) instanceId.
func Validate(id string) error {
	if id == "" {
		return apperr.New(apperr.Config, "instanceId must not be empty")
	}
	for _, r := range id {
		if !strings.ContainsRune(validChars, r) {
			return apperr.New(apperr.Config, "instanceId %q contains invalid character %q", id, r)
		}
	}
	return nil
}
