package pusher

import (
	"context"
	"fmt"
)

// answer is the envelope every query handler emits: an answerMessage keyed
// by the inbound query id, carrying either a result or an error string.
type answer struct {
	QueryID string `json:"queryId"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m *SessionMultiplexer) reply(c *Client, queryID string, data any, err error) {
	a := answer{QueryID: queryID}
	if err != nil {
		a.Error = err.Error()
	} else {
		a.Data = data
	}
	c.Outbound.Enqueue("answerMessage", a, "")
}

// HandleRoomTagsQuery answers with the full admin-service tag list,
// degrading to an empty list (never an error) on failure, matching
// adminclient.GetTagsList's own degrade-gracefully contract.
func (m *SessionMultiplexer) HandleRoomTagsQuery(ctx context.Context, c *Client, queryID string) {
	if m.Admin == nil {
		m.reply(c, queryID, []string{}, nil)
		return
	}
	m.reply(c, queryID, m.Admin.GetTagsList(ctx), nil)
}

// HandleRoomsFromSameWorldQuery answers with the sibling room urls sharing
// roomURL's world, per the admin service.
func (m *SessionMultiplexer) HandleRoomsFromSameWorldQuery(ctx context.Context, c *Client, queryID string, roomURL string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	rooms, err := m.Admin.GetURLRoomsFromSameWorld(ctx, roomURL)
	m.reply(c, queryID, rooms, err)
}

func (m *SessionMultiplexer) HandleSearchMemberQuery(ctx context.Context, c *Client, queryID string, query string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	members, err := m.Admin.SearchMembers(ctx, query)
	m.reply(c, queryID, members, err)
}

func (m *SessionMultiplexer) HandleSearchTagsQuery(ctx context.Context, c *Client, queryID string, query string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	tags, err := m.Admin.SearchTags(ctx, query)
	m.reply(c, queryID, tags, err)
}

func (m *SessionMultiplexer) HandleGetMemberQuery(ctx context.Context, c *Client, queryID string, uuid string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	member, err := m.Admin.GetMember(ctx, uuid)
	m.reply(c, queryID, member, err)
}

func (m *SessionMultiplexer) HandleChatMembersQuery(ctx context.Context, c *Client, queryID string, world string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	members, err := m.Admin.GetWorldChatMembers(ctx, world)
	m.reply(c, queryID, members, err)
}

// HandleEmbeddableWebsiteQuery answers whether rawURL may be iframed,
// wrapping the allow-list/HEAD-probe logic in internal/embed.
func (m *SessionMultiplexer) HandleEmbeddableWebsiteQuery(ctx context.Context, c *Client, queryID string, rawURL string) {
	if m.Prober == nil {
		m.reply(c, queryID, nil, fmt.Errorf("embeddable-url prober not configured"))
		return
	}
	m.reply(c, queryID, m.Prober.Probe(ctx, rawURL), nil)
}

// HandleOauthRefreshTokenQuery exchanges a refresh token for a fresh access
// token via the admin service. It does not touch the client's chatID.
func (m *SessionMultiplexer) HandleOauthRefreshTokenQuery(ctx context.Context, c *Client, queryID string, refreshToken string) {
	if m.Admin == nil {
		m.reply(c, queryID, nil, fmt.Errorf("admin service not configured"))
		return
	}
	token, err := m.Admin.RefreshOauthToken(ctx, refreshToken)
	m.reply(c, queryID, token, err)
}
