package kdebug

import "testing"

func TestQuietByDefault(t *testing.T) {
	if Verbose {
		t.Fatal("Verbose should default to false")
	}
	// Should not panic even while quiet.
	Printf("unseen %d", 1)
	Dumpf(1, "unseen %d", 2)
}

func TestVerboseRuns(t *testing.T) {
	Verbose = true
	defer func() { Verbose = false }()
	Printf("seen %d", 1)
	Dumpf(1, "seen %d", 2)
}
