package projection

import (
	"context"
	"database/sql"

	"PerpEngine/internal/event"
)

// applyFunding records appended funding indices and per-account settlements.
func applyFunding(ctx context.Context, tx *sql.Tx, effects []event.Effect) error {
	for _, e := range effects {
		switch e.Type {
		case event.EffectFundingIndexAppended:
			f, ok := effectData[event.FundingIndexAppended](e)
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.funding_index
					(market_id, index_number, hour, fair_price, avg_tracer_price, avg_oracle_price,
					 funding_rate, insurance_rate, cumulative_funding_rate, cumulative_insurance,
					 sequence, appended_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (market_id, index_number) DO NOTHING
			`, e.Market, f.Index, f.Hour,
				f.FairPrice.String(), f.AvgTracerPrice.String(), f.AvgOraclePrice.String(),
				f.FundingRate.String(), f.InsuranceRate.String(),
				f.CumulativeFundingRate.String(), f.CumulativeInsuranceFundingRate.String(),
				e.Sequence, e.Timestamp,
			); err != nil {
				return err
			}

		case event.EffectFundingSettled:
			s, ok := effectData[event.FundingSettled](e)
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.funding_history
					(market_id, sequence, user_id, from_index, to_index, funding_paid, insurance_paid, settled_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (market_id, sequence, user_id) DO UPDATE SET
					to_index = EXCLUDED.to_index,
					funding_paid = projections.funding_history.funding_paid + EXCLUDED.funding_paid,
					insurance_paid = projections.funding_history.insurance_paid + EXCLUDED.insurance_paid
			`, e.Market, e.Sequence, s.User, s.FromIndex, s.ToIndex,
				s.FundingPaid.String(), s.InsurancePaid.String(), e.Timestamp,
			); err != nil {
				return err
			}
		}
	}
	return nil
}
