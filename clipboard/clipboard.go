// Package clipboard puts the finished recording's path on the system
// clipboard so it can be pasted straight into notes.
package clipboard

import cb "github.com/atotto/clipboard"

func Copy(text string) error {
	return cb.WriteAll(text)
}
