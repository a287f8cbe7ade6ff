package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// TelegramDispatcher sends notifications through the bot.
type TelegramDispatcher struct {
	bot    *telego.Bot
	logger *slog.Logger
}

func NewTelegramDispatcher(bot *telego.Bot, logger *slog.Logger) *TelegramDispatcher {
	return &TelegramDispatcher{bot: bot, logger: logger}
}

func (d *TelegramDispatcher) Notify(ctx context.Context, telegramID int64, kind Kind, p Payload) {
	text := messageFor(kind, p)
	if text == "" {
		return
	}

	if _, err := d.bot.SendMessage(ctx, tu.Message(tu.ID(telegramID), text)); err != nil {
		d.logger.Warn("failed to send notification",
			slog.Int64("telegram_id", telegramID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
	}
}

func messageFor(kind Kind, p Payload) string {
	switch kind {
	case KindActivated:
		return fmt.Sprintf("✅ Подписка «%s» активирована!\n\nТвоя ссылка на VPN:\n%s\n\nДействует до %s. Приятного пользования!",
			p.PlanName, p.SubscriptionURL, p.ExpiresAt.Format("02.01.2006"))
	case KindRenewed:
		return fmt.Sprintf("✅ Подписка продлена до %s. Спасибо, что остаётесь с нами!",
			p.ExpiresAt.Format("02.01.2006"))
	case KindExpiringSoon:
		return "⚠️ Ваша подписка истекает через сутки! Пожалуйста, продлите её, чтобы не потерять доступ."
	case KindGraceEntered:
		return fmt.Sprintf("⚠️ Срок подписки вышел. Доступ сохранён до %s — продлите подписку, чтобы не потерять его.",
			p.GraceUntil.Format("02.01.2006 15:04"))
	case KindRevoked:
		return "❌ Ваша подписка истекла. Доступ к VPN заблокирован. Продлите подписку в меню «Купить VPN»."
	case KindCancelled:
		return "Подписка отменена. Доступ к VPN отключён. Будем рады видеть вас снова!"
	case KindActivationDelayed:
		return "⏳ Оплата получена, но активация задерживается. Мы уже разбираемся — доступ появится в ближайшее время."
	default:
		return ""
	}
}
