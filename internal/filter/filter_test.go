package filter

import "testing"

func mustParse(t *testing.T, s string) *Expression {
	t.Helper()
	e, err := Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return e
}

func TestDomainFilterDecidesOnDestinationAlone(t *testing.T) {
	e := mustParse(t, `~d example\.com`)
	ev := e.BeginEvaluate()

	if d := ev.Push(World{}); d != nil {
		t.Fatalf("expected still unknown before domain is known, got %v", *d)
	}

	d := ev.Push(World{HaveDomain: true, Domain: "example.com"})
	if d == nil || !*d {
		t.Fatalf("expected true for matching domain, got %v", d)
	}
}

func TestDomainFilterMatchAndMismatch(t *testing.T) {
	e := mustParse(t, `~d example\.com`)

	decide := func(domain string) *bool {
		ev := e.BeginEvaluate()
		return ev.Push(World{HaveDomain: true, Domain: domain})
	}

	if d := decide("example.com"); d == nil || !*d {
		t.Fatalf("example.com should match")
	}
	if d := decide("other.com"); d == nil || *d {
		t.Fatalf("other.com should not match")
	}
}

func TestNegatedDomainFilter(t *testing.T) {
	e := mustParse(t, `!~d example\.com`)
	ev := e.BeginEvaluate()

	d := ev.Push(World{HaveDomain: true, Domain: "other.com"})
	if d == nil || !*d {
		t.Fatalf("expected true for non-matching domain under negation")
	}

	ev2 := e.BeginEvaluate()
	d2 := ev2.Push(World{HaveDomain: true, Domain: "example.com"})
	if d2 == nil || *d2 {
		t.Fatalf("expected false for matching domain under negation")
	}
}

func TestAndRequiresBothKnownAndTrue(t *testing.T) {
	e := mustParse(t, `~d example\.com & ~m GET`)
	ev := e.BeginEvaluate()

	if d := ev.Push(World{HaveDomain: true, Domain: "example.com"}); d != nil {
		t.Fatalf("expected unknown until method is known, got %v", *d)
	}

	d := ev.Push(World{HaveDomain: true, Domain: "example.com", HaveMethod: true, Method: "GET"})
	if d == nil || !*d {
		t.Fatalf("expected true once both known and matching")
	}
}

func TestAndShortCircuitsOnFalse(t *testing.T) {
	e := mustParse(t, `~d example\.com & ~m GET`)
	ev := e.BeginEvaluate()

	// Domain is wrong; method still unknown. And with a False child is
	// False regardless of the Unknown sibling (Kleene semantics).
	d := ev.Push(World{HaveDomain: true, Domain: "other.com"})
	if d == nil || *d {
		t.Fatalf("expected early false decision, got %v", d)
	}
}

func TestOrShortCircuitsOnTrue(t *testing.T) {
	e := mustParse(t, `~d example\.com | ~m GET`)
	ev := e.BeginEvaluate()

	d := ev.Push(World{HaveDomain: true, Domain: "example.com"})
	if d == nil || !*d {
		t.Fatalf("expected early true decision, got %v", d)
	}
}

func TestLatchIgnoresFurtherPushes(t *testing.T) {
	e := mustParse(t, `~d example\.com`)
	ev := e.BeginEvaluate()

	d1 := ev.Push(World{HaveDomain: true, Domain: "example.com"})
	if d1 == nil || !*d1 {
		t.Fatalf("expected decided true")
	}

	d2 := ev.Push(World{HaveDomain: true, Domain: "other.com"})
	if d2 == nil || !*d2 {
		t.Fatalf("latched evaluator must not change its decision, got %v", d2)
	}
}

func TestAllFilterAlwaysTrue(t *testing.T) {
	e := mustParse(t, `~all`)
	ev := e.BeginEvaluate()
	d := ev.Push(World{})
	if d == nil || !*d {
		t.Fatalf("~all must decide true immediately")
	}
}

func TestParenthesesGroupCorrectly(t *testing.T) {
	e := mustParse(t, `(~d a\.com | ~d b\.com) & ~m POST`)
	ev := e.BeginEvaluate()
	d := ev.Push(World{HaveDomain: true, Domain: "b.com", HaveMethod: true, Method: "POST"})
	if d == nil || !*d {
		t.Fatalf("expected true, got %v", d)
	}
}

func TestParseRejectsUnknownAtom(t *testing.T) {
	if _, err := Parse(`~zz`); err == nil {
		t.Fatal("expected parse error for unknown atom")
	}
}

func TestHttpResponseCodeAtom(t *testing.T) {
	e := mustParse(t, `~c 404`)
	ev := e.BeginEvaluate()
	if d := ev.Push(World{}); d != nil {
		t.Fatalf("expected unknown before response code known")
	}
	d := ev.Push(World{HaveResponseCode: true, ResponseCode: 404})
	if d == nil || !*d {
		t.Fatalf("expected true for matching response code")
	}
}

func TestHeaderAtomMatchesRequestHeaders(t *testing.T) {
	e := mustParse(t, `~hq "X-Trace: abc123"`)
	ev := e.BeginEvaluate()

	if d := ev.Push(World{}); d != nil {
		t.Fatalf("expected unknown before headers known")
	}

	d := ev.Push(World{HaveHeaders: true, ReqHeaders: map[string]string{"X-Trace": "abc123"}})
	if d == nil || !*d {
		t.Fatalf("expected true for matching request header, got %v", d)
	}
}

func TestHeaderAtomDirectionScoping(t *testing.T) {
	e := mustParse(t, `~hs "Set-Cookie: session"`)
	ev := e.BeginEvaluate()

	// Only a request header present; ~hs must not see it.
	d := ev.Push(World{HaveHeaders: true, ReqHeaders: map[string]string{"Set-Cookie": "session"}})
	if d == nil || *d {
		t.Fatalf("expected false, ~hs must not match request headers, got %v", d)
	}

	ev2 := e.BeginEvaluate()
	d2 := ev2.Push(World{HaveHeaders: true, RespHeaders: map[string]string{"Set-Cookie": "session=1"}})
	if d2 == nil || !*d2 {
		t.Fatalf("expected true for matching response header, got %v", d2)
	}
}

func TestHeaderAtomBothDirectionsByDefault(t *testing.T) {
	e := mustParse(t, `~h Content-Length`)
	ev := e.BeginEvaluate()
	d := ev.Push(World{HaveHeaders: true, RespHeaders: map[string]string{"Content-Length": "12"}})
	if d == nil || !*d {
		t.Fatalf("expected ~h to match either direction, got %v", d)
	}
}
