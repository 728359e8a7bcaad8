package leaderboard

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// IDENTITY PROVIDER
// Данные пользователей принадлежат внешнему провайдеру идентичности.
// Реализации находятся в infrastructure/identity.
// ══════════════════════════════════════════════════════════════════════════════

// IdentityProvider возвращает отображаемые данные и роль пользователя.
type IdentityProvider interface {
	// GetIdentity возвращает идентичность пользователя.
	// Возвращает ошибку с shared.ErrNotFound, если пользователь неизвестен.
	GetIdentity(ctx context.Context, userID string) (Identity, error)
}

// BatchIdentityProvider умеет загружать несколько идентичностей за один запрос.
type BatchIdentityProvider interface {
	IdentityProvider

	// GetIdentities возвращает найденные идентичности, пропуская неизвестных.
	GetIdentities(ctx context.Context, userIDs []string) (map[string]Identity, error)
}
