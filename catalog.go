package main

import (
	"strings"
	"time"
)

// Language is one of the fixed set of session languages.
type Language string

const (
	LangEnglish Language = "en"
	LangItalian Language = "it"
	LangFrench  Language = "fr"
)

// ParseLanguage normalizes a language code, falling back to English
// for unknown or empty values.
func ParseLanguage(code string) Language {
	switch Language(strings.ToLower(strings.TrimSpace(code))) {
	case LangItalian:
		return LangItalian
	case LangFrench:
		return LangFrench
	default:
		return LangEnglish
	}
}

// Mission is one catalog entry. Only approved missions are eligible for
// assignment, and an approved mission is treated as immutable.
type Mission struct {
	ID         int64
	TextEN     string
	TextIT     string
	TextFR     string
	ApprovedAt *time.Time
}

func (m Mission) Approved() bool {
	return m.ApprovedAt != nil
}

// TextIn returns the mission text for the given language, falling back
// to English when no translation exists.
func (m Mission) TextIn(lang Language) string {
	var text string
	switch lang {
	case LangItalian:
		text = m.TextIT
	case LangFrench:
		text = m.TextFR
	}
	if text == "" {
		return m.TextEN
	}
	return text
}
