package router

import "testing"

func testRoutes() []ToolRoutes {
	return []ToolRoutes{
		{
			Tool:     "command_executor",
			Priority: 2,
			Patterns: []Pattern{
				{Phrase: "list files", Weight: 3, Lang: LangEnglish},
				{Phrase: "run", Weight: 1, Lang: LangEnglish},
				{Phrase: "dateien auflisten", Weight: 3, Lang: LangGerman},
			},
		},
		{
			Tool:     "http_request",
			Priority: 1,
			Patterns: []Pattern{
				{Phrase: "fetch", Weight: 2, Lang: LangEnglish},
				{Phrase: "url", Weight: 2},
			},
		},
	}
}

func TestRouteTopMatch(t *testing.T) {
	r := New(testRoutes(), 0.5)

	matches := r.Route("Please list files in the current directory")
	if len(matches) == 0 {
		t.Fatal("expected at least one match")
	}
	if matches[0].Tool != "command_executor" {
		t.Errorf("top tool = %q, want command_executor", matches[0].Tool)
	}
	if matches[0].Confidence <= 0 || matches[0].Confidence > 1 {
		t.Errorf("confidence out of range: %f", matches[0].Confidence)
	}
	if len(matches[0].MatchedPatterns) == 0 {
		t.Error("expected matched patterns to be recorded")
	}
}

func TestRouteEmptyText(t *testing.T) {
	r := New(testRoutes(), 0.5)
	if got := r.Route("   "); got != nil {
		t.Errorf("expected nil for blank text, got %v", got)
	}
}

func TestRouteNoMatch(t *testing.T) {
	r := New(testRoutes(), 0.5)
	if got := r.Route("completely unrelated gibberish"); len(got) != 0 {
		t.Errorf("expected no matches, got %v", got)
	}
}

func TestRouteLanguageMultiplier(t *testing.T) {
	r := New(testRoutes(), 0.5)

	// German text matching the German pattern scores it at full weight,
	// so confidence beats the same phrase judged cross-language.
	de := r.Route("bitte die dateien auflisten und zeige sie")
	if len(de) == 0 || de[0].Tool != "command_executor" {
		t.Fatalf("expected command_executor for German text, got %v", de)
	}

	en := New([]ToolRoutes{{
		Tool:     "command_executor",
		Patterns: []Pattern{{Phrase: "dateien auflisten", Weight: 3, Lang: LangGerman}},
	}}, 0.5).Route("the dateien auflisten please")
	if len(en) == 0 {
		t.Fatal("expected a cross-language match")
	}
	if de[0].Confidence <= en[0].Confidence {
		t.Errorf("same-language confidence %f should exceed cross-language %f",
			de[0].Confidence, en[0].Confidence)
	}
}

func TestRouteDeterministicTieBreak(t *testing.T) {
	routes := []ToolRoutes{
		{Tool: "bravo", Patterns: []Pattern{{Phrase: "ping", Weight: 1}}},
		{Tool: "alpha", Patterns: []Pattern{{Phrase: "ping", Weight: 1}}},
	}
	r := New(routes, 0.5)

	for i := 0; i < 10; i++ {
		matches := r.Route("ping")
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(matches))
		}
		if matches[0].Tool != "alpha" {
			t.Fatalf("tie must break by name: got %q first", matches[0].Tool)
		}
	}
}

func TestRoutePriorityTieBreak(t *testing.T) {
	routes := []ToolRoutes{
		{Tool: "low", Priority: 1, Patterns: []Pattern{{Phrase: "ping", Weight: 1}}},
		{Tool: "high", Priority: 5, Patterns: []Pattern{{Phrase: "ping", Weight: 1}}},
	}
	matches := New(routes, 0.5).Route("ping")
	if matches[0].Tool != "high" {
		t.Errorf("expected priority bonus to rank high first, got %q", matches[0].Tool)
	}
}

func TestReload(t *testing.T) {
	r := New(testRoutes(), 0.5)
	r.Reload([]ToolRoutes{{
		Tool:     "notes",
		Patterns: []Pattern{{Phrase: "remember", Weight: 1}},
	}})

	if got := r.Route("list files"); len(got) != 0 {
		t.Errorf("old table should be gone, got %v", got)
	}
	if got := r.Route("remember this"); len(got) != 1 || got[0].Tool != "notes" {
		t.Errorf("expected notes match after reload, got %v", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"покажи файлы в каталоге":        LangRussian,
		"bitte zeige die dateien":        LangGerman,
		"montrez le fichier et la liste": LangFrench,
		"muestra los archivos por favor": LangSpanish,
		"show the files please":          LangEnglish,
		"xyzzy":                          LangEnglish,
	}
	for text, want := range cases {
		if got := DetectLanguage(text); got != want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", text, got, want)
		}
	}
}
