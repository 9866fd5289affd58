// Package domain holds the core types shared across the hub, session, and
// collaborator packages.
package domain

// Language is a two-letter translation target code.
type Language string

// SourceLanguage is the language every broadcast is spoken in.
// Fixed for now; the protocol carries it so this can become per-broadcast later.
const SourceLanguage Language = "en"

// supportedLanguages lists the translation targets streamers may request.
var supportedLanguages = []Language{"es", "tl", "fr", "sw"}

// IsSupportedLanguage reports whether streamers may subscribe with lang.
func IsSupportedLanguage(lang Language) bool {
	for _, l := range supportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// SupportedLanguages returns a copy of the supported target languages.
func SupportedLanguages() []Language {
	out := make([]Language, len(supportedLanguages))
	copy(out, supportedLanguages)
	return out
}

// LanguageSet is an ordered set of languages. Insertion order is preserved so
// state updates list languages in join order, deterministically.
type LanguageSet struct {
	langs []Language
}

// Add inserts lang if not already present.
func (s *LanguageSet) Add(lang Language) {
	if s.Contains(lang) {
		return
	}
	s.langs = append(s.langs, lang)
}

// Contains reports whether lang is in the set.
func (s *LanguageSet) Contains(lang Language) bool {
	for _, l := range s.langs {
		if l == lang {
			return true
		}
	}
	return false
}

// Len returns the number of distinct languages.
func (s *LanguageSet) Len() int { return len(s.langs) }

// Slice returns the languages in insertion order. The caller owns the slice.
func (s *LanguageSet) Slice() []Language {
	out := make([]Language, len(s.langs))
	copy(out, s.langs)
	return out
}

// BroadcastState is the aggregate sent with JOINED / STREAMER_JOINED /
// STREAMER_LEFT updates.
type BroadcastState struct {
	StreamerCount int        `json:"streamerCount"`
	Languages     []Language `json:"languages"`
}

// Sender is the outbound half of a client connection. Implementations queue
// frames on a buffered per-connection writer; both Send methods report whether
// the frame was queued, so one slow subscriber never blocks a fan-out.
type Sender interface {
	// Send queues a text frame.
	Send(data []byte) bool
	// SendBinary queues a binary (audio) frame.
	SendBinary(data []byte) bool
	// CloseGraceful writes a close frame with the given reason and tears the
	// connection down.
	CloseGraceful(reason string)
}
