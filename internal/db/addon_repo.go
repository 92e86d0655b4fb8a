package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"iris/internal/types"
)

// AddonRepository records add-on purchases and raises the matching feature
// limit on the buyer's profile.
type AddonRepository struct {
	db DBTX
	tx types.TransactionManager
}

// NewAddonRepository creates a new AddonRepository. tx scopes Purchase to a
// single transaction.
func NewAddonRepository(db DBTX, tx types.TransactionManager) *AddonRepository {
	return &AddonRepository{db: db, tx: tx}
}

const addonColumns = `a.id, a.user_id, a.feature, a.quantity, a.effective_quantity,
	a.unit_price, a.total_price, a.currency, a.purchase_date,
	a.previous_limit, a.new_limit, a.used_at_purchase`

func scanAddonPurchase(row pgx.Row) (*types.AddonPurchase, error) {
	var a types.AddonPurchase
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Feature,
		&a.Quantity,
		&a.EffectiveQuantity,
		&a.UnitPrice,
		&a.TotalPrice,
		&a.Currency,
		&a.PurchaseDate,
		&a.PreviousLimit,
		&a.NewLimit,
		&a.UsedAtPurchase,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Purchase raises the feature limit by p.EffectiveQuantity and stores the
// purchase record in one transaction. PreviousLimit, NewLimit and
// UsedAtPurchase are filled from the profile as updated. Returns
// ErrCodeNotFoundProfile when the profile or its counter is absent.
func (r *AddonRepository) Purchase(ctx context.Context, p *types.AddonPurchase) (*types.AddonPurchase, error) {
	out := *p

	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		q := querier(ctx, r.db)

		err := q.QueryRow(ctx,
			`UPDATE profiles
			 SET usage = jsonb_set(usage, ARRAY[$2::text, 'limit'],
			         to_jsonb(COALESCE((usage->$2::text->>'limit')::int, 0) + $3)),
			     last_updated = $4
			 WHERE uid = $1 AND usage ? $2::text
			 RETURNING COALESCE((usage->$2::text->>'used')::int, 0),
			           (usage->$2::text->>'limit')::int`,
			p.UserID,
			string(p.Feature),
			p.EffectiveQuantity,
			p.PurchaseDate,
		).Scan(&out.UsedAtPurchase, &out.NewLimit)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return types.NewAppErrorWithDetails(
					types.ErrCodeNotFoundProfile,
					"profile or usage counter not found",
					nil,
					map[string]any{"feature": string(p.Feature)},
				)
			}
			return storageError("failed to raise feature limit", err)
		}
		out.PreviousLimit = out.NewLimit - p.EffectiveQuantity

		_, err = q.Exec(ctx,
			`INSERT INTO addon_purchases (id, user_id, feature, quantity, effective_quantity,
				unit_price, total_price, currency, purchase_date,
				previous_limit, new_limit, used_at_purchase)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			out.ID,
			out.UserID,
			string(out.Feature),
			out.Quantity,
			out.EffectiveQuantity,
			out.UnitPrice,
			out.TotalPrice,
			out.Currency,
			out.PurchaseDate,
			out.PreviousLimit,
			out.NewLimit,
			out.UsedAtPurchase,
		)
		if err != nil {
			return storageError("failed to record addon purchase", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListByUser returns a user's purchases, newest first. limit <= 0 means no
// limit.
func (r *AddonRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*types.AddonPurchase, error) {
	rows, err := querier(ctx, r.db).Query(ctx,
		`SELECT `+addonColumns+`
		 FROM addon_purchases a
		 WHERE a.user_id = $1
		 ORDER BY a.purchase_date DESC, a.id
		 LIMIT $2`,
		userID,
		limitOrNil(limit),
	)
	if err != nil {
		return nil, storageError("failed to list addon purchases", err)
	}
	defer rows.Close()

	var purchases []*types.AddonPurchase
	for rows.Next() {
		a, err := scanAddonPurchase(rows)
		if err != nil {
			return nil, storageError("failed to scan addon purchase", err)
		}
		purchases = append(purchases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate addon purchases", err)
	}
	return purchases, nil
}
