package dmrelay

import (
	"context"
	"errors"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

// GuildSummary is a guild the bot belongs to
type GuildSummary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	MemberCount int     `json:"memberCount"`
	IconURL     *string `json:"iconUrl"`
}

// GuildMember is a non-bot member of a guild. When members are listed
// across every guild, SourceGuildID/SourceGuildName are the first guild
// the member was seen in.
type GuildMember struct {
	ID              string  `json:"id"`
	Username        string  `json:"username"`
	DisplayName     *string `json:"displayName,omitempty"`
	AvatarURL       *string `json:"avatarUrl,omitempty"`
	SourceGuildID   *string `json:"sourceGuildId,omitempty"`
	SourceGuildName *string `json:"sourceGuildName,omitempty"`
}

func (m GuildMember) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", m.ID),
		slog.String(columnUsername, m.Username),
		slog.String("source_guild_id", stringPointerValue(m.SourceGuildID)),
	)
}

// directory enumerates guilds and guild members over an already
// acquired session
type directory struct {
	pageSize    int
	concurrency int
	logger      *slog.Logger
}

func newDirectory(config *DispatchConfig, logger *slog.Logger) *directory {
	if logger == nil {
		logger = slog.Default()
	}
	dir := &directory{
		pageSize:    config.MemberPageSize,
		concurrency: config.GuildConcurrency,
		logger:      logger,
	}
	if dir.pageSize <= 0 || dir.pageSize > discordMaxMemberPageSize {
		dir.pageSize = discordMaxMemberPageSize
	}
	if dir.concurrency <= 0 {
		dir.concurrency = 1
	}
	return dir
}

// userGuilds pages through every guild visible to the bot
func (*directory) userGuilds(s DiscordSessionHandler) ([]*discordgo.UserGuild, error) {
	var guilds []*discordgo.UserGuild
	after := ""
	for {
		page, err := s.UserGuilds(discordMaxUserGuildsPageSize, "", after, true)
		if err != nil {
			return nil, classifyDiscordError("list guilds", err, "", "")
		}
		guilds = append(guilds, page...)
		if len(page) < discordMaxUserGuildsPageSize {
			return guilds, nil
		}
		after = page[len(page)-1].ID
	}
}

// guilds returns a summary of every guild the bot belongs to
func (dir *directory) guilds(s DiscordSessionHandler) ([]GuildSummary, error) {
	userGuilds, err := dir.userGuilds(s)
	if err != nil {
		return nil, err
	}
	summaries := make([]GuildSummary, 0, len(userGuilds))
	for _, g := range userGuilds {
		summaries = append(
			summaries, GuildSummary{
				ID:          g.ID,
				Name:        g.Name,
				MemberCount: g.ApproximateMemberCount,
				IconURL:     discordGuildIconURL(g.ID, g.Icon),
			},
		)
	}
	return summaries, nil
}

// guildMembers pages through every member of the given guild, excluding
// bots
func (dir *directory) guildMembers(
	ctx context.Context,
	s DiscordSessionHandler,
	guildID string,
	guildName string,
) ([]GuildMember, error) {
	members := []GuildMember{}
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.GuildMembers(guildID, after, dir.pageSize)
		if err != nil {
			return nil, classifyDiscordError(
				"list guild members",
				err,
				discordResourceGuild,
				guildID,
			)
		}
		for _, m := range page {
			if member, ok := newGuildMember(m, guildID, guildName); ok {
				members = append(members, member)
			}
		}
		if len(page) < dir.pageSize || len(page) == 0 {
			return members, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return members, nil
		}
		after = last.User.ID
	}
}

// members returns the non-bot members of guildID, or, if guildID is
// empty, of every guild the bot belongs to. Members of multiple guilds
// appear once, attributed to the first guild (in guild listing order)
// they were seen in.
func (dir *directory) members(
	ctx context.Context,
	s DiscordSessionHandler,
	guildID string,
) ([]GuildMember, error) {
	logger := contextLoggerOr(ctx, dir.logger)

	if guildID != "" {
		guild, err := s.Guild(guildID)
		if err != nil {
			return nil, classifyDiscordError(
				"list guild members",
				err,
				discordResourceGuild,
				guildID,
			)
		}
		return dir.guildMembers(ctx, s, guild.ID, guild.Name)
	}

	guilds, err := dir.userGuilds(s)
	if err != nil {
		return nil, err
	}

	results := make([][]GuildMember, len(guilds))
	guildErrs := make([]error, len(guilds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dir.concurrency)
	for i, guild := range guilds {
		g.Go(
			func() error {
				members, e := dir.guildMembers(gctx, s, guild.ID, guild.Name)
				if e != nil {
					if isAuthError(e) {
						return e
					}
					logger.WarnContext(
						gctx,
						"unable to list guild members, skipping guild",
						"guild_id", guild.ID,
						tint.Err(e),
					)
					guildErrs[i] = e
					return nil
				}
				results[i] = members
				return nil
			},
		)
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}

	if len(guilds) > 0 {
		failed := 0
		for _, e := range guildErrs {
			if e != nil {
				failed++
			}
		}
		if failed == len(guilds) {
			return nil, errors.Join(guildErrs...)
		}
	}

	return mergeMembers(results), nil
}

// mergeMembers flattens per-guild member lists in order, keeping the
// first occurrence of each member ID
func mergeMembers(perGuild [][]GuildMember) []GuildMember {
	seen := map[string]struct{}{}
	merged := []GuildMember{}
	for _, members := range perGuild {
		for _, m := range members {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}
	return merged
}

// newGuildMember converts a discordgo member. ok is false for bots
// and members without a user.
func newGuildMember(
	m *discordgo.Member,
	guildID string,
	guildName string,
) (member GuildMember, ok bool) {
	if m == nil || m.User == nil || m.User.Bot {
		return member, false
	}
	displayName := m.User.Username
	switch {
	case m.Nick != "":
		displayName = m.Nick
	case m.User.GlobalName != "":
		displayName = m.User.GlobalName
	}
	member = GuildMember{
		ID:          m.User.ID,
		Username:    m.User.Username,
		DisplayName: &displayName,
		AvatarURL:   discordAvatarURL(m.User),
	}
	if guildID != "" {
		member.SourceGuildID = &guildID
	}
	if guildName != "" {
		member.SourceGuildName = &guildName
	}
	return member, true
}
