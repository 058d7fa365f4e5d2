package digest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramNotifier sends digests as Telegram messages. Addresses resolved
// for owners must be numeric chat ids.
type TelegramNotifier struct {
	bot     *tele.Bot
	resolve AddressResolver
}

func NewTelegramNotifier(token string, resolve AddressResolver) (*TelegramNotifier, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, resolve: resolve}, nil
}

func (n *TelegramNotifier) Deliver(ctx context.Context, d Digest) error {
	addr, err := n.resolve.Resolve(d.OwnerID)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(addr, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram address for owner %q is not a chat id: %w", d.OwnerID, err)
	}

	text := fmt.Sprintf("*Digest for %s*\n\n%s", d.OccurrenceAt.Format("Mon, Jan 2"), d.Payload)
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err = n.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
