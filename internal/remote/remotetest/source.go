// Package remotetest provides an in-memory remote.Source for tests.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dshills/parlharvest/internal/remote"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

type dayKey struct {
	day      string
	itemType types.ItemType
}

type fetchFailure struct {
	err   error
	times int // remaining failures; negative fails forever
}

// Source is a scriptable remote.Source. The zero value is not usable; call New.
type Source struct {
	mu        sync.Mutex
	listings  map[dayKey][]remote.Listing
	docs      map[string]*remote.Document
	listErrs  map[string]error
	countErrs map[string]error
	fetchErrs map[string]*fetchFailure
	hidden    map[dayKey]int

	ListCalls  int
	CountCalls int
	FetchCalls map[string]int
}

var _ remote.Source = (*Source)(nil)

// New returns an empty source.
func New() *Source {
	return &Source{
		listings:   make(map[dayKey][]remote.Listing),
		docs:       make(map[string]*remote.Document),
		listErrs:   make(map[string]error),
		countErrs:  make(map[string]error),
		fetchErrs:  make(map[string]*fetchFailure),
		hidden:     make(map[dayKey]int),
		FetchCalls: make(map[string]int),
	}
}

// Add publishes records of itemType on day and returns their queue ids.
func (s *Source) Add(itemType types.ItemType, day string, externalIDs ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := types.MustParseDay(day)
	key := dayKey{day: d.String(), itemType: itemType}
	ids := make([]string, len(externalIDs))
	for i, ext := range externalIDs {
		id := itemType.ItemID(ext)
		ids[i] = id
		payload, _ := json.Marshal(map[string]string{"id": ext})
		s.listings[key] = append(s.listings[key], remote.Listing{
			ItemID: id, ItemType: itemType, OccurredOn: d, Payload: payload,
		})
		s.docs[id] = &remote.Document{
			ItemID:     id,
			ItemType:   itemType,
			OccurredOn: d,
			Title:      "Record " + ext,
			Text:       fmt.Sprintf("Record %s was published on %s. It concerns item %s.", ext, d, ext),
			URL:        "https://example.test/" + id,
			Metadata:   map[string]any{"external_id": ext},
		}
	}
	return ids
}

// AddN publishes n records named <prefix>-<i>.
func (s *Source) AddN(itemType types.ItemType, day, prefix string, n int) []string {
	ext := make([]string, n)
	for i := range ext {
		ext[i] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return s.Add(itemType, day, ext...)
}

// AddUnusable publishes n listing entries on day that the client drops as
// unusable. They occupy listing positions and count towards totals.
func (s *Source) AddUnusable(itemType types.ItemType, day string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dayKey{day: types.MustParseDay(day).String(), itemType: itemType}
	for i := 0; i < n; i++ {
		s.listings[key] = append(s.listings[key], remote.Listing{})
	}
}

// SetText replaces the text of a published record.
func (s *Source) SetText(itemID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[itemID]; ok {
		doc.Text = text
	}
}

// Hide makes List omit the first n records of day while Count still
// reports them, as when a listing call silently truncates.
func (s *Source) Hide(itemType types.ItemType, day string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[dayKey{day: types.MustParseDay(day).String(), itemType: itemType}] = n
}

// FailList makes every List call for day return err; nil clears it.
func (s *Source) FailList(day string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr(s.listErrs, day, err)
}

// FailCount makes every Count call for day return err; nil clears it.
func (s *Source) FailCount(day string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErr(s.countErrs, day, err)
}

func (s *Source) setErr(m map[string]error, day string, err error) {
	key := types.MustParseDay(day).String()
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}

// FailFetch makes the next times Fetch calls for itemID return err. A
// negative times fails forever.
func (s *Source) FailFetch(itemID string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fetchErrs, itemID)
		return
	}
	s.fetchErrs[itemID] = &fetchFailure{err: err, times: times}
}

// List implements remote.Source. Records are served under the first kind of
// their type; other kinds are empty.
func (s *Source) List(ctx context.Context, day types.Day, itemType types.ItemType, kind remote.Kind, skip, take int) (*remote.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ListCalls++

	if err := s.listErrs[day.String()]; err != nil {
		return nil, err
	}
	if kinds := remote.KindsFor(itemType); len(kinds) == 0 || kinds[0] != kind {
		return &remote.Page{}, nil
	}
	key := dayKey{day: day.String(), itemType: itemType}
	all := s.listings[key]
	if n := s.hidden[key]; n > 0 {
		all = all[min(n, len(all)):]
	}
	if skip >= len(all) {
		return &remote.Page{Total: len(all)}, nil
	}
	end := min(skip+take, len(all))
	items := make([]remote.Listing, 0, end-skip)
	for _, l := range all[skip:end] {
		if l.ItemID != "" {
			items = append(items, l)
		}
	}
	return &remote.Page{Items: items, Total: len(all), Returned: end - skip}, nil
}

// Count implements remote.Source.
func (s *Source) Count(ctx context.Context, day types.Day, itemType types.ItemType) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CountCalls++

	if err := s.countErrs[day.String()]; err != nil {
		return 0, err
	}
	return len(s.listings[dayKey{day: day.String(), itemType: itemType}]), nil
}

// Fetch implements remote.Source.
func (s *Source) Fetch(ctx context.Context, item *storage.QueueItem) (*remote.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FetchCalls[item.ItemID]++

	if f, ok := s.fetchErrs[item.ItemID]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		return nil, f.err
	}
	doc, ok := s.docs[item.ItemID]
	if !ok {
		return nil, fmt.Errorf("remotetest: unknown item %s", item.ItemID)
	}
	out := *doc
	return &out, nil
}

// Fetches returns how many times itemID was fetched.
func (s *Source) Fetches(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FetchCalls[itemID]
}
