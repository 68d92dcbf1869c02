// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package maillaunch

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/civicmesh/delivery/internal/models"
)

type memLaunchStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemLaunchStore() *memLaunchStore {
	return &memLaunchStore{data: make(map[string]string)}
}

func (m *memLaunchStore) PutIfAbsent(_ context.Context, key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[key]; ok {
		return existing, false, nil
	}
	m.data[key] = value
	return value, true, nil
}

// TestBuildMailto_Encoding verifies RFC 6068 shaping: percent-encoded
// spaces, comma-joined recipients, signature line.
func TestBuildMailto_Encoding(t *testing.T) {
	got := BuildMailto(
		[]string{"senator@example.gov", "rep@example.gov"},
		models.Sender{FirstName: "Ada", LastName: "Lovelace"},
		models.Message{Subject: "Support the bill", Body: "Please vote yes."},
	)

	if !strings.HasPrefix(got, "mailto:senator@example.gov,rep@example.gov?") {
		t.Errorf("recipients malformed: %s", got)
	}
	if strings.Contains(got, "+") {
		t.Errorf("mailto URL uses form encoding for spaces: %s", got)
	}
	if !strings.Contains(got, "subject=Support%20the%20bill") {
		t.Errorf("subject not percent-encoded: %s", got)
	}
	if !strings.Contains(got, "Ada%20Lovelace") {
		t.Errorf("signature line missing: %s", got)
	}
}

// TestBuildMailto_NoSignatureWithoutName verifies an anonymous sender gets
// no trailing signature block.
func TestBuildMailto_NoSignatureWithoutName(t *testing.T) {
	got := BuildMailto(
		[]string{"rep@example.gov"},
		models.Sender{},
		models.Message{Subject: "s", Body: "b"},
	)
	if strings.Contains(got, "%0A%0A") {
		t.Errorf("anonymous mailto grew a signature separator: %s", got)
	}
}

// TestLauncher_OncePerSaga verifies the guard: one launch per saga, later
// calls return the original URL with first=false.
func TestLauncher_OncePerSaga(t *testing.T) {
	ctx := context.Background()
	l := NewLauncher(newMemLaunchStore())
	sender := models.Sender{FirstName: "Ada", LastName: "Lovelace"}
	msg := models.Message{Subject: "s", Body: "b"}

	url1, first, err := l.Launch(ctx, "saga-1", []string{"rep@example.gov"}, sender, msg)
	if err != nil {
		t.Fatalf("first launch: %v", err)
	}
	if !first {
		t.Fatal("first launch reported first=false")
	}

	url2, first, err := l.Launch(ctx, "saga-1", []string{"rep@example.gov"}, sender, msg)
	if err != nil {
		t.Fatalf("second launch: %v", err)
	}
	if first {
		t.Fatal("second launch reported first=true")
	}
	if url1 != url2 {
		t.Errorf("launch URL changed: %q vs %q", url1, url2)
	}

	// A different saga launches independently.
	_, first, err = l.Launch(ctx, "saga-2", []string{"rep@example.gov"}, sender, msg)
	if err != nil {
		t.Fatalf("other saga launch: %v", err)
	}
	if !first {
		t.Error("distinct saga did not get its own first launch")
	}
}

// TestLauncher_ConcurrentSingleWinner verifies exactly one goroutine wins
// the launch race.
func TestLauncher_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	l := NewLauncher(newMemLaunchStore())
	sender := models.Sender{}
	msg := models.Message{Subject: "s", Body: "b"}

	const n = 32
	var wg sync.WaitGroup
	firsts := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, first, err := l.Launch(ctx, "saga-race", []string{"rep@example.gov"}, sender, msg)
			if err != nil {
				t.Errorf("launch: %v", err)
				return
			}
			firsts <- first
		}()
	}
	wg.Wait()
	close(firsts)

	wins := 0
	for first := range firsts {
		if first {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("launch winners = %d, want exactly 1", wins)
	}
}

// TestLauncher_NoRecipients verifies an empty recipient list is rejected.
func TestLauncher_NoRecipients(t *testing.T) {
	l := NewLauncher(newMemLaunchStore())
	if _, _, err := l.Launch(context.Background(), "saga-1", nil, models.Sender{}, models.Message{}); err == nil {
		t.Fatal("expected error for empty recipients")
	}
}
