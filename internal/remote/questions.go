package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dshills/parlharvest/internal/retry"
	"github.com/dshills/parlharvest/internal/storage"
	"github.com/dshills/parlharvest/pkg/types"
)

// Member is a member of either House.
type Member struct {
	ID                int    `json:"id"`
	ListAs            string `json:"listAs"`
	Name              string `json:"name"`
	Party             string `json:"party"`
	PartyAbbreviation string `json:"partyAbbreviation"`
	MemberFrom        string `json:"memberFrom"`
}

// WrittenQuestion is a written parliamentary question and its answer.
type WrittenQuestion struct {
	ID                int64   `json:"id"`
	AskingMemberID    int     `json:"askingMemberId"`
	AskingMember      *Member `json:"askingMember"`
	House             string  `json:"house"`
	DateTabled        string  `json:"dateTabled"`
	DateForAnswer     string  `json:"dateForAnswer"`
	UIN               string  `json:"uin"`
	QuestionText      string  `json:"questionText"`
	AnsweringBodyID   int     `json:"answeringBodyId"`
	AnsweringBodyName string  `json:"answeringBodyName"`
	IsWithdrawn       bool    `json:"isWithdrawn"`
	AnswerIsHolding   *bool   `json:"answerIsHolding"`
	AnsweringMember   *Member `json:"answeringMember"`
	DateAnswered      string  `json:"dateAnswered"`
	AnswerText        string  `json:"answerText"`
	Heading           string  `json:"heading"`
	AttachmentCount   int     `json:"attachmentCount"`
}

type questionEnvelope struct {
	Value json.RawMessage `json:"value"`
}

type questionsResponse struct {
	Results      []questionEnvelope `json:"results"`
	TotalResults int                `json:"totalResults"`
}

// EmbeddableText joins the question and answer the way they are indexed.
func (q *WrittenQuestion) EmbeddableText() string {
	return strings.TrimSpace(fmt.Sprintf("QUESTION: %s\n ANSWER: %s", q.QuestionText, q.AnswerText))
}

// URL links to the question on questions-statements.parliament.uk.
func (q *WrittenQuestion) URL() string {
	day, err := types.ParseDay(q.DateTabled)
	if err != nil || q.UIN == "" {
		return ""
	}
	return fmt.Sprintf("https://questions-statements.parliament.uk/written-questions/detail/%s/%s", day, q.UIN)
}

func (c *Client) listQuestions(ctx context.Context, day types.Day, kind Kind, skip, take int) (*Page, error) {
	if kind != KindTabled {
		return nil, fmt.Errorf("%w: %q for written questions", ErrUnknownKind, kind)
	}

	params := url.Values{}
	params.Set("tabledWhenFrom", day.String())
	params.Set("tabledWhenTo", day.String())
	params.Set("take", strconv.Itoa(take))
	params.Set("skip", strconv.Itoa(skip))

	var resp questionsResponse
	if err := c.getJSON(ctx, c.questionsURL+"/writtenquestions/questions", params, &resp); err != nil {
		return nil, err
	}

	page := &Page{Total: resp.TotalResults, Returned: len(resp.Results), Items: make([]Listing, 0, len(resp.Results))}
	for _, env := range resp.Results {
		var q WrittenQuestion
		if err := json.Unmarshal(env.Value, &q); err != nil {
			return nil, retry.Permanent(fmt.Errorf("decode written question: %w", err))
		}
		if q.ID == 0 {
			continue
		}
		occurred := day
		if d, err := types.ParseDay(q.DateTabled); err == nil {
			occurred = d
		}
		payload, err := json.Marshal(listingPayload{Kind: kind, Item: env.Value})
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, Listing{
			ItemID:     types.ItemWrittenQuestion.ItemID(strconv.FormatInt(q.ID, 10)),
			ItemType:   types.ItemWrittenQuestion,
			OccurredOn: occurred,
			Payload:    payload,
		})
	}
	return page, nil
}

// fetchQuestion loads the full question; listings truncate long answers.
func (c *Client) fetchQuestion(ctx context.Context, item *storage.QueueItem) (*Document, error) {
	id := strings.TrimPrefix(item.ItemID, types.ItemWrittenQuestion.IDPrefix())
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return nil, retry.Permanent(fmt.Errorf("bad written question id %q", item.ItemID))
	}

	params := url.Values{}
	params.Set("expandMember", "true")

	var env questionEnvelope
	if err := c.getJSON(ctx, c.questionsURL+"/writtenquestions/questions/"+id, params, &env); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.ItemID, err)
	}
	var q WrittenQuestion
	if err := json.Unmarshal(env.Value, &q); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode %s: %w", item.ItemID, err))
	}
	if strings.TrimSpace(q.QuestionText) == "" && strings.TrimSpace(q.AnswerText) == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrNoText, item.ItemID))
	}

	metadata := map[string]any{
		"uin":               q.UIN,
		"house":             q.House,
		"answering_body":    q.AnsweringBodyName,
		"answering_body_id": q.AnsweringBodyID,
		"is_withdrawn":      q.IsWithdrawn,
		"date_answered":     q.DateAnswered,
		"asking_member_id":  q.AskingMemberID,
		"attachment_count":  q.AttachmentCount,
		"answered":          strings.TrimSpace(q.AnswerText) != "",
	}
	if q.AskingMember != nil {
		metadata["asking_member"] = q.AskingMember.Name
		metadata["asking_member_party"] = q.AskingMember.Party
	}
	if q.AnsweringMember != nil {
		metadata["answering_member"] = q.AnsweringMember.Name
	}
	if q.AnswerIsHolding != nil {
		metadata["answer_is_holding"] = *q.AnswerIsHolding
	}

	return &Document{
		ItemID:     item.ItemID,
		ItemType:   item.ItemType,
		OccurredOn: item.OccurredOn,
		Title:      q.Heading,
		Text:       q.EmbeddableText(),
		URL:        q.URL(),
		Metadata:   metadata,
	}, nil
}
