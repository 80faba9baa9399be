package engine

import "strings"

// Word is the sequence of letters a losing player accumulates.
const Word = "SKATE"

// NormalizeLetters resolves a stored letter string to a valid prefix of Word.
// Anything that is not a prefix is truncated to its longest valid prefix, so a
// corrupt column can never yield more than len(Word) letters.
func NormalizeLetters(letters string) string {
	letters = strings.ToUpper(letters)
	n := 0
	for n < len(letters) && n < len(Word) && letters[n] == Word[n] {
		n++
	}
	return Word[:n]
}

// NextLetters returns letters extended by one. A full word stays full.
func NextLetters(letters string) string {
	cur := NormalizeLetters(letters)
	if len(cur) >= len(Word) {
		return cur
	}
	return Word[:len(cur)+1]
}

// Spelled reports whether letters spell the whole word.
func Spelled(letters string) bool {
	return len(NormalizeLetters(letters)) == len(Word)
}
