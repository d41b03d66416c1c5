package repository

import "github.com/iliyamo/cinema-seat-booking/internal/model"

// DemoSeats lays out rows x perRow seats for a screening.  Rows are labelled
// A, B, C and so on; seat ids are assigned row by row starting at
// firstSeatID.  The last row is PREMIUM and priced at premiumCents.
func DemoSeats(screeningID, firstSeatID uint64, rows, perRow int, priceCents, premiumCents uint32) []model.ScreeningSeat {
	seats := make([]model.ScreeningSeat, 0, rows*perRow)
	id := firstSeatID
	for r := 0; r < rows; r++ {
		label := string(rune('A' + r%26))
		category, price := model.SeatCategoryStandard, priceCents
		if r == rows-1 {
			category, price = model.SeatCategoryPremium, premiumCents
		}
		for n := 1; n <= perRow; n++ {
			seats = append(seats, model.ScreeningSeat{
				ScreeningID: screeningID,
				SeatID:      id,
				RowLabel:    label,
				SeatNumber:  uint32(n),
				Category:    category,
				PriceCents:  price,
				Status:      model.SeatAvailable,
			})
			id++
		}
	}
	return seats
}
