package aria

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExtractMonotonicRefs(t *testing.T) {
	html := `<html><body>
		<h1>Heading, not interactive</h1>
		<button>One</button>
		<a href="/x">Two</a>
		<input type="text" value="three">
		<select><option selected value="v4">Four</option></select>
		<textarea>five</textarea>
		<p>plain text</p>
	</body></html>`

	snap, err := Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if snap.ElementCount != 5 {
		t.Fatalf("element_count = %d, want 5", snap.ElementCount)
	}
	if len(snap.Elements) != snap.ElementCount {
		t.Fatalf("len(elements) = %d, count = %d", len(snap.Elements), snap.ElementCount)
	}
	for i, n := range snap.Elements {
		want := fmt.Sprintf("@e%d", i+1)
		if n.RefID != want {
			t.Errorf("elements[%d].ref_id = %q, want %q", i, n.RefID, want)
		}
	}
}

func TestExtractRoles(t *testing.T) {
	tests := []struct {
		html string
		role string
	}{
		{`<button>x</button>`, "button"},
		{`<a href="/">x</a>`, "link"},
		{`<input type="checkbox">`, "checkbox"},
		{`<input type="radio">`, "radio"},
		{`<input type="range">`, "slider"},
		{`<input type="search">`, "searchbox"},
		{`<input type="number">`, "spinbutton"},
		{`<input type="submit">`, "button"},
		{`<input>`, "textbox"},
		{`<select></select>`, "combobox"},
		{`<textarea></textarea>`, "textbox"},
		{`<div role="button">x</div>`, "button"},
		{`<span onclick="f()">x</span>`, "generic"},
		{`<div tabindex="0">x</div>`, "generic"},
	}

	for _, tt := range tests {
		snap, err := Extract("<body>" + tt.html + "</body>")
		if err != nil {
			t.Fatalf("Extract(%s): %v", tt.html, err)
		}
		if snap.ElementCount != 1 {
			t.Errorf("%s: element_count = %d, want 1", tt.html, snap.ElementCount)
			continue
		}
		if snap.Elements[0].Role != tt.role {
			t.Errorf("%s: role = %q, want %q", tt.html, snap.Elements[0].Role, tt.role)
		}
	}
}

func TestExtractSkipsNonInteractive(t *testing.T) {
	snap, err := Extract(`<body><div>text</div><span tabindex="-1">no</span><p title="t">p</p></body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if snap.ElementCount != 0 {
		t.Errorf("element_count = %d, want 0 (%+v)", snap.ElementCount, snap.Elements)
	}
}

func TestNamePriority(t *testing.T) {
	tests := []struct {
		html string
		name string
	}{
		{`<button aria-label="Label">Text</button>`, "Label"},
		{`<button>  Visible text  </button>`, "Visible text"},
		{`<button title="Tooltip"></button>`, "Tooltip"},
		{`<button></button>`, ""},
	}

	for _, tt := range tests {
		snap, err := Extract("<body>" + tt.html + "</body>")
		if err != nil {
			t.Fatalf("Extract: %v", err)
		}
		if snap.Elements[0].Name != tt.name {
			t.Errorf("%s: name = %q, want %q", tt.html, snap.Elements[0].Name, tt.name)
		}
	}
}

func TestNameTruncation(t *testing.T) {
	long := strings.Repeat("a", 150)
	snap, err := Extract(`<body><button>` + long + `</button></body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got := snap.Elements[0].Name; len(got) != 100 {
		t.Errorf("name length = %d, want 100", len(got))
	}
}

func TestNameTruncationMultibyte(t *testing.T) {
	long := strings.Repeat("あ", 150)
	snap, err := Extract(`<body><button>` + long + `</button></body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	got := snap.Elements[0].Name
	if !utf8.ValidString(got) {
		t.Errorf("name is not valid UTF-8 after truncation: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 100 {
		t.Errorf("name rune count = %d, want 100", n)
	}
	if got != strings.Repeat("あ", 100) {
		t.Errorf("name = %q, want 100 repetitions", got)
	}
}

func TestValues(t *testing.T) {
	snap, err := Extract(`<body>
		<input value="typed">
		<button>no value</button>
		<textarea>content</textarea>
	</body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if snap.Elements[0].Value != "typed" {
		t.Errorf("input value = %v", snap.Elements[0].Value)
	}
	if snap.Elements[1].Value != nil {
		t.Errorf("button value = %v, want nil", snap.Elements[1].Value)
	}
	if snap.Elements[2].Value != "content" {
		t.Errorf("textarea value = %v", snap.Elements[2].Value)
	}
}

func TestFocusable(t *testing.T) {
	snap, err := Extract(`<body>
		<button>b</button>
		<a>anchor without href</a>
		<div role="checkbox">c</div>
		<div role="checkbox" tabindex="2">c</div>
	</body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	wants := []bool{true, false, false, true}
	for i, want := range wants {
		if snap.Elements[i].Focusable != want {
			t.Errorf("elements[%d].focusable = %v, want %v", i, snap.Elements[i].Focusable, want)
		}
	}
}

func TestSelectors(t *testing.T) {
	snap, err := Extract(`<body>
		<button id="save">Save</button>
		<div><a href="/">In div</a></div>
		<div id="panel"><button>Nested</button></div>
	</body>`)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if snap.ElementCount != 3 {
		t.Fatalf("element_count = %d, want 3", snap.ElementCount)
	}
	if got := snap.Elements[0].Selector; got != "#save" {
		t.Errorf("id selector = %q", got)
	}
	if got := snap.Elements[1].Selector; got != "html:nth-child(1) > body:nth-child(2) > div:nth-child(2) > a:nth-child(1)" {
		t.Errorf("path selector = %q", got)
	}
	if got := snap.Elements[2].Selector; got != "#panel > button:nth-child(1)" {
		t.Errorf("ancestor id selector = %q", got)
	}
}

func TestExtractIdempotent(t *testing.T) {
	html := `<body><button>a</button><a href="/">b</a></body>`
	first, err := Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	second, err := Extract(html)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(first.Elements) != len(second.Elements) {
		t.Fatal("extraction not idempotent")
	}
	for i := range first.Elements {
		if first.Elements[i] != second.Elements[i] {
			t.Errorf("elements[%d] differ: %+v vs %+v", i, first.Elements[i], second.Elements[i])
		}
	}
}
