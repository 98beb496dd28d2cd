package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

// Contribution is a Hansard contribution as returned by the search API.
type Contribution struct {
	MemberName           string `json:"MemberName"`
	MemberID             *int   `json:"MemberId"`
	AttributedTo         string `json:"AttributedTo"`
	ItemID               *int64 `json:"ItemId"`
	ContributionExtID    string `json:"ContributionExtId"`
	ContributionText     string `json:"ContributionText"`
	ContributionTextFull string `json:"ContributionTextFull"`
	HRSTag               string `json:"HRSTag"`
	HansardSection       string `json:"HansardSection"`
	DebateSection        string `json:"DebateSection"`
	DebateSectionID      *int64 `json:"DebateSectionId"`
	DebateSectionExtID   string `json:"DebateSectionExtId"`
	SittingDate          string `json:"SittingDate"`
	Section              string `json:"Section"`
	House                string `json:"House"`
	OrderInDebateSection *int   `json:"OrderInDebateSection"`
}

type contributionsResponse struct {
	Results          []json.RawMessage `json:"Results"`
	TotalResultCount int               `json:"TotalResultCount"`
}

// ExternalID returns the stable identifier used for the queue id. Older
// records without a ContributionExtId fall back to ItemId, then to a hash of
// the section, text and position.
func (c *Contribution) ExternalID() string {
	if c.ContributionExtID != "" {
		return c.ContributionExtID
	}
	if c.ItemID != nil {
		return strconv.FormatInt(*c.ItemID, 10)
	}
	order := 0
	if c.OrderInDebateSection != nil {
		order = *c.OrderInDebateSection
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%s_%d", c.DebateSectionExtID, c.ContributionText, order)))
	return "h" + hex.EncodeToString(sum[:8])
}

// Text returns the embeddable text of the contribution.
func (c *Contribution) Text() string {
	if strings.TrimSpace(c.ContributionTextFull) != "" {
		return c.ContributionTextFull
	}
	return c.ContributionText
}

// DebateURL links to the debate on hansard.parliament.uk.
func (c *Contribution) DebateURL(day types.Day) string {
	return fmt.Sprintf("https://hansard.parliament.uk/%s/%s/debates/%s/link", c.House, day, c.DebateSectionExtID)
}

// URL links to the contribution within its debate.
func (c *Contribution) URL(day types.Day) string {
	if c.ContributionExtID == "" {
		return c.DebateURL(day)
	}
	return c.DebateURL(day) + "#contribution-" + c.ContributionExtID
}

func (c *Client) listContributions(ctx context.Context, day types.Day, kind Kind, skip, take int) (*Page, error) {
	switch kind {
	case KindSpoken, KindWritten, KindCorrections, KindPetitions:
	default:
		return nil, fmt.Errorf("%w: %q for contributions", ErrUnknownKind, kind)
	}

	params := url.Values{}
	params.Set("orderBy", "SittingDateAsc")
	params.Set("startDate", day.String())
	params.Set("endDate", day.String())
	params.Set("take", strconv.Itoa(take))
	params.Set("skip", strconv.Itoa(skip))

	var resp contributionsResponse
	endpoint := fmt.Sprintf("%s/search/contributions/%s.json", c.hansardURL, kind)
	if err := c.getJSON(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	page := &Page{Total: resp.TotalResultCount, Returned: len(resp.Results), Items: make([]Listing, 0, len(resp.Results))}
	for _, raw := range resp.Results {
		var contrib Contribution
		if err := json.Unmarshal(raw, &contrib); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode contribution: %w", err))
		}
		occurred := day
		if d, err := types.ParseDay(contrib.SittingDate); err == nil {
			occurred = d
		}
		payload, err := json.Marshal(listingPayload{Kind: kind, Item: raw})
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, Listing{
			ItemID:     types.ItemContribution.ItemID(contrib.ExternalID()),
			ItemType:   types.ItemContribution,
			OccurredOn: occurred,
			Payload:    payload,
		})
	}
	return page, nil
}

// contributionFromPayload rebuilds a contribution from the listing captured at
// harvest time; the search listing already carries the full text.
func contributionFromPayload(item *storage.QueueItem) (*Document, error) {
	if len(item.Payload) == 0 {
		return nil, retry.Permanent(fmt.Errorf("%w: %s has no payload, re-harvest %s", ErrBadPayload, item.ItemID, item.OccurredOn))
	}
	var payload listingPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s: %v", ErrBadPayload, item.ItemID, err))
	}
	var contrib Contribution
	if err := json.Unmarshal(payload.Item, &contrib); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %s: %v", ErrBadPayload, item.ItemID, err))
	}

	text := strings.TrimSpace(contrib.Text())
	if text == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrNoText, item.ItemID))
	}

	metadata := map[string]any{
		"kind":                  string(payload.Kind),
		"member_name":           contrib.MemberName,
		"attributed_to":         contrib.AttributedTo,
		"house":                 contrib.House,
		"debate_section":        contrib.DebateSection,
		"debate_section_ext_id": contrib.DebateSectionExtID,
		"hansard_section":       contrib.HansardSection,
		"section":               contrib.Section,
		"debate_url":            contrib.DebateURL(item.OccurredOn),
	}
	if contrib.MemberID != nil {
		metadata["member_id"] = *contrib.MemberID
	}
	if contrib.OrderInDebateSection != nil {
		metadata["order_in_debate_section"] = *contrib.OrderInDebateSection
	}

	return &Document{
		ItemID:     item.ItemID,
		ItemType:   item.ItemType,
		OccurredOn: item.OccurredOn,
		Title:      contrib.DebateSection,
		Text:       text,
		URL:        contrib.URL(item.OccurredOn),
		Metadata:   metadata,
	}, nil
}
