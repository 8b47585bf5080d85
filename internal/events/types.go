package events

// Event enumerates high-level topics inside the bot.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order_update"
	EventPositionChange Event = "position_change"
	EventTradeClosed    Event = "trade_closed"
	EventRiskAlert      Event = "risk_alert"
	EventStateSync      Event = "state_sync"
	EventKillswitch     Event = "killswitch"
)
