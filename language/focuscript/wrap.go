package focuscript

import (
	"sort"
	"strings"
	"unicode"

	"github.com/codename/focuscript/compiler"
)

// EntryName is the global the wrapped script is bound to.
const EntryName = "__focuscript_entry__"

// The header stays on the first line so user line numbers are preserved.
const (
	wrapHeader = `"use strict";var ` + EntryName + `=function(event){`
	wrapFooter = "\n};"
)

// Wrap turns a script body into the program that defines the entry point.
func Wrap(body string) string {
	return wrapHeader + body + wrapFooter
}

// sourceMap translates offsets in the wrapped program back to positions in
// the user's file.
type sourceMap struct {
	file       string
	body       string
	lineStarts []int
	userLines  int
}

func newSourceMap(file, body string) *sourceMap {
	wrapped := Wrap(body)
	starts := []int{0}
	for i := 0; i < len(wrapped); i++ {
		if wrapped[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &sourceMap{
		file:       file,
		body:       body,
		lineStarts: starts,
		userLines:  strings.Count(body, "\n") + 1,
	}
}

// offset maps a 0-based offset into the wrapped program.
func (m *sourceMap) offset(off int) compiler.Location {
	line := sort.Search(len(m.lineStarts), func(i int) bool { return m.lineStarts[i] > off })
	col := off - m.lineStarts[line-1] + 1
	return m.position(line, col)
}

// bodyOffset maps a 0-based offset into the unwrapped body.
func (m *sourceMap) bodyOffset(off int) compiler.Location {
	return m.offset(off + len(wrapHeader))
}

// position maps a 1-based line and column in the wrapped program.
func (m *sourceMap) position(line, col int) compiler.Location {
	if line > m.userLines {
		return m.end()
	}
	if line == 1 {
		col -= len(wrapHeader)
		if col < 1 {
			col = 1
		}
	}
	return compiler.Location{File: m.file, Line: line, Column: col}
}

// pastEnd reports whether a wrapped position lies in the footer.
func (m *sourceMap) pastEnd(line int) bool {
	return line > m.userLines
}

// end is the location of the last non-space character of the body.
func (m *sourceMap) end() compiler.Location {
	trimmed := strings.TrimRightFunc(m.body, unicode.IsSpace)
	if trimmed == "" {
		return compiler.Location{File: m.file, Line: 1, Column: 1}
	}
	line := strings.Count(trimmed, "\n") + 1
	col := len(trimmed) - strings.LastIndexByte(trimmed, '\n')
	return compiler.Location{File: m.file, Line: line, Column: col - 1}
}

// lastToken returns the final token of the body: a word or a run of
// punctuation.
func (m *sourceMap) lastToken() string {
	trimmed := strings.TrimRightFunc(m.body, unicode.IsSpace)
	if trimmed == "" {
		return ""
	}
	word := func(r rune) bool { return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r) }
	runes := []rune(trimmed)
	last := runes[len(runes)-1]
	i := len(runes) - 1
	for i > 0 {
		prev := runes[i-1]
		if unicode.IsSpace(prev) || word(prev) != word(last) {
			break
		}
		i--
	}
	return string(runes[i:])
}
