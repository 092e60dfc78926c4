package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

// Subscriber is one Telegram chat that asked for signals.
type Subscriber struct {
	ChatID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	LastName      string    `json:"last_name,omitempty"`
	LanguageCode  string    `json:"language_code,omitempty"`
	SubscribedAt  time.Time `json:"subscribed_at"`
	LastActivity  time.Time `json:"last_activity"`
	Active        bool      `json:"is_active"`
	TotalCommands int       `json:"total_commands"`
}

type subscriberFile struct {
	Subscribers map[string]*Subscriber `json:"subscribers"`
	Metadata    struct {
		LastUpdated time.Time `json:"last_updated"`
		Version     string    `json:"version"`
	} `json:"metadata"`
}

// Subscribers is the persisted chat registry.
type Subscribers struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
	subs map[int64]*Subscriber
}

// OpenSubscribers loads path, starting empty when it does not exist.
func OpenSubscribers(path string, now func() time.Time) (*Subscribers, error) {
	if now == nil {
		now = time.Now
	}
	s := &Subscribers{path: path, now: now, subs: make(map[int64]*Subscriber)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read subscribers: %w", err)
	}
	var file subscriberFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode subscribers: %w", err)
	}
	for key, sub := range file.Subscribers {
		if sub == nil {
			continue
		}
		if sub.ChatID == 0 {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				continue
			}
			sub.ChatID = id
		}
		s.subs[sub.ChatID] = sub
	}
	return s, nil
}

// Add subscribes a chat, reactivating it if it left before. It reports
// whether the chat was not active until now.
func (s *Subscribers) Add(profile Subscriber) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	cur, ok := s.subs[profile.ChatID]
	if !ok {
		profile.SubscribedAt = now
		profile.LastActivity = now
		profile.Active = true
		profile.TotalCommands = 1
		s.subs[profile.ChatID] = &profile
		return true, s.saveLocked()
	}
	wasActive := cur.Active
	cur.Active = true
	cur.LastActivity = now
	cur.TotalCommands++
	if profile.Username != "" {
		cur.Username = profile.Username
	}
	if profile.FirstName != "" {
		cur.FirstName = profile.FirstName
	}
	if !wasActive {
		cur.SubscribedAt = now
	}
	return !wasActive, s.saveLocked()
}

// Remove deactivates a chat. Unknown chats are ignored.
func (s *Subscribers) Remove(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[chatID]
	if !ok || !cur.Active {
		return nil
	}
	cur.Active = false
	cur.LastActivity = s.now().UTC()
	return s.saveLocked()
}

// Touch records activity from a known chat.
func (s *Subscribers) Touch(chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.subs[chatID]
	if !ok {
		return nil
	}
	cur.LastActivity = s.now().UTC()
	cur.TotalCommands++
	return s.saveLocked()
}

// Active lists subscribed chat ids in ascending order.
func (s *Subscribers) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.subs))
	for id, sub := range s.subs {
		if sub.Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the total and active number of chats.
func (s *Subscribers) Count() (total, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		total++
		if sub.Active {
			active++
		}
	}
	return total, active
}

func (s *Subscribers) saveLocked() error {
	var file subscriberFile
	file.Subscribers = make(map[string]*Subscriber, len(s.subs))
	for id, sub := range s.subs {
		file.Subscribers[strconv.FormatInt(id, 10)] = sub
	}
	file.Metadata.LastUpdated = s.now().UTC()
	file.Metadata.Version = "1.0"
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscribers: %w", err)
	}
	return store.WriteFileAtomic(s.path, data, 10, 100*time.Millisecond)
}
