package pii

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		literals []string
		want     string
		count    int
	}{
		{
			name:  "student id and email",
			in:    "Submitted by A1234567 (a.student@example.ac.uk).",
			want:  "Submitted by [STUDENT_ID_REDACTED] ([EMAIL_REDACTED]).",
			count: 2,
		},
		{
			name:  "phone keeps following text",
			in:    "Call 07700 900123 today",
			want:  "Call [PHONE_REDACTED] today",
			count: 1,
		},
		{
			name:  "international phone",
			in:    "Tel +44 7700900123.",
			want:  "Tel [PHONE_REDACTED].",
			count: 1,
		},
		{
			name:  "postcode",
			in:    "Walton Hall, MK7 6AA",
			want:  "Walton Hall, [POSTCODE_REDACTED]",
			count: 1,
		},
		{
			name:  "url swallows embedded address",
			in:    "see https://example.com/u/a.b@example.com now",
			want:  "see [URL_REDACTED] now",
			count: 1,
		},
		{
			name:     "literal name case-insensitive",
			in:       "Jane Doe wrote this. jane doe agrees.",
			literals: []string{"Jane Doe", " "},
			want:     "[REDACTED] wrote this. [REDACTED] agrees.",
			count:    2,
		},
		{
			name: "module codes are left alone",
			in:   "TM112 TMA01 discusses networks.",
			want: "TM112 TMA01 discusses networks.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n := Redact(tt.in, tt.literals...)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.count, n)
		})
	}
}

func TestDetectFiltersByKind(t *testing.T) {
	text := "A1234567 emailed x@y.com from MK7 6AA"
	all := Detect(text)
	assert.Len(t, all, 3)
	assert.Equal(t, KindStudentID, all[0].Kind)
	assert.Equal(t, "A1234567", all[0].Value)

	only := Detect(text, KindEmail)
	if assert.Len(t, only, 1) {
		assert.Equal(t, "x@y.com", only[0].Value)
		assert.Equal(t, strings.Index(text, "x@y.com"), only[0].Start)
	}
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("id B7654321", KindStudentID))
	assert.False(t, Contains("id B7654321", KindEmail))
	assert.False(t, Contains("Clear argument, well structured."))
}
