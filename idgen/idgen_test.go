package idgen_test

import (
	"strings"
	"testing"

	"github.com/swarmkit/coordination/idgen"
)

func TestNewCarriesPrefixAndIsUnique(t *testing.T) {
	a := idgen.New(idgen.PrefixIssue, 1700000000)
	b := idgen.New(idgen.PrefixIssue, 1700000000)

	if !strings.HasPrefix(a, idgen.PrefixIssue+"-") {
		t.Fatalf("expected prefix %q, got %q", idgen.PrefixIssue, a)
	}
	if a == b {
		t.Fatalf("expected distinct ids for repeated calls, got %q twice", a)
	}
}
