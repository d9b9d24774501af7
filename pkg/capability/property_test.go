//go:build property
// +build property

package capability_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/bastion/pkg/capability"
)

func subset(req, held []string) bool {
	set := make(map[string]bool, len(held))
	for _, h := range held {
		set[h] = true
	}
	for _, r := range req {
		if !set[r] {
			return false
		}
	}
	return true
}

// Property: an unrestricted grant allows any request of the same kind.
func TestUnrestrictedGrantAllowsAnyRequest(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("unrestricted allow-list covers every request", prop.ForAll(
		func(items []string) bool {
			r := capability.NewRegistry()
			if _, err := r.Grant(capability.GrantRequest{Holder: "app.p", Kind: capability.AccessFilesystem(nil)}); err != nil {
				return false
			}
			return r.Check("app.p", capability.AccessFilesystem(items)).Allowed()
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: a restricted grant allows a request iff request ⊆ grant.
func TestRestrictedGrantAllowsExactlySubsets(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	item := gen.OneConstOf("a", "b", "c", "d", "e")
	properties.Property("restricted allow-list covers only subsets", prop.ForAll(
		func(held, req []string) bool {
			r := capability.NewRegistry()
			if _, err := r.Grant(capability.GrantRequest{Holder: "app.p", Kind: capability.LoadAssets(append([]string{}, held...))}); err != nil {
				return false
			}
			got := r.Check("app.p", capability.LoadAssets(append([]string{}, req...))).Allowed()
			return got == subset(req, held)
		},
		gen.SliceOf(item, reflect.TypeOf("")),
		gen.SliceOf(item, reflect.TypeOf("")),
	))

	properties.TestingRun(t)
}

// Property: revoking the only matching grant always yields Denied.
func TestRevokeThenCheckDenied(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("revoke removes authorization", prop.ForAll(
		func(hosts []string) bool {
			r := capability.NewRegistry()
			g, err := r.Grant(capability.GrantRequest{Holder: "app.p", Kind: capability.AccessNetwork(hosts)})
			if err != nil {
				return false
			}
			if !r.Revoke(g.ID) {
				return false
			}
			return r.Check("app.p", capability.AccessNetwork(hosts)).Outcome == capability.Denied
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
