package gcode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Word may either give a command or provide an argument to a command.
type Word struct {
	letter rune
	number float64
	// original is the text the word was parsed from, preserving letter case and number
	// formatting.
	original string
}

// NewWord creates a Word from given letter and number.
// letter must be capitalised, or it'll panic.
func NewWord(letter rune, number float64) *Word {
	if letter < 'A' || letter > 'Z' {
		panic(fmt.Sprintf("bug: attempting to create word with letter not between A-Z: %c", letter))
	}
	return &Word{letter: letter, number: number}
}

// NewWordParse creates a Word from given letter and a raw number string.
func NewWordParse(letter rune, number string) (*Word, error) {
	parsedNumber, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return nil, err
	}
	return &Word{
		letter:   unicode.ToUpper(letter),
		number:   parsedNumber,
		original: string(letter) + number,
	}, nil
}

func (w *Word) Letter() rune {
	return w.letter
}

func (w *Word) Number() float64 {
	return w.number
}

// String is the text the word was parsed from, or its normalized form.
func (w *Word) String() string {
	if w.original != "" {
		return w.original
	}
	return w.NormalizedString()
}

// NormalizedString uses uppercase letters, a single decimal place for commands and 4 for
// arguments.
func (w *Word) NormalizedString() string {
	if w.IsCommand() {
		if _, frac := math.Modf(w.number); frac == 0 {
			return fmt.Sprintf("%c%.0f", w.letter, w.number)
		}
		return fmt.Sprintf("%c%.1f", w.letter, w.number)
	}
	return fmt.Sprintf("%c%.4f", w.letter, w.number)
}

// IsCommand returns true if the word is a command (letter G or M).
func (w *Word) IsCommand() bool {
	return w.letter == 'G' || w.letter == 'M'
}

// Block is a single line of G-code: either a system command ("$H", "$J=...") or words.
type Block struct {
	system string
	words  []*Word
}

func NewBlockSystem(system string) *Block {
	return &Block{system: system}
}

func NewBlockCommand(words ...*Word) *Block {
	return &Block{words: words}
}

func (b *Block) IsSystem() bool {
	return b.system != ""
}

func (b *Block) IsCommand() bool {
	return len(b.words) > 0
}

// Empty returns true for lines with only spaces or comments.
func (b *Block) Empty() bool {
	return b.system == "" && len(b.words) == 0
}

func (b *Block) String() string {
	if b.IsSystem() {
		return b.system
	}
	words := make([]string, len(b.words))
	for i, w := range b.words {
		words[i] = w.String()
	}
	return strings.Join(words, " ")
}

// Commands returns all G/M words in the block.
func (b *Block) Commands() []*Word {
	var cmds []*Word
	for _, w := range b.words {
		if w.IsCommand() {
			cmds = append(cmds, w)
		}
	}
	return cmds
}

// Arguments returns all non-command words in the block.
func (b *Block) Arguments() []*Word {
	var args []*Word
	for _, w := range b.words {
		if !w.IsCommand() {
			args = append(args, w)
		}
	}
	return args
}

// Argument returns the number of the argument with the given letter, if present.
func (b *Block) Argument(letter rune) (float64, bool, error) {
	var number float64
	var found bool
	for _, w := range b.Arguments() {
		if w.Letter() != letter {
			continue
		}
		if found {
			return 0, false, fmt.Errorf("%s: multiple arguments for letter %c", b, letter)
		}
		number = w.Number()
		found = true
	}
	return number, found, nil
}
