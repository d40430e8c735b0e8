package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procurement-enricher/internal/enrich"
)

var recordCols = []string{
	"id", "code", "entity", "description", "year", "amount", "object_type", "category",
	"department", "province", "district", "source_url", "updated_at",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS records").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreUpsertFlagsPlaceholders(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	st, err := NewRecordStore(mock)
	require.NoError(t, err)

	rec := enrich.Record{
		Code:        "AS-1-2024",
		Entity:      "MUNICIPALIDAD DISTRITAL DE CAYMA",
		Description: "Servicio de limpieza",
		Year:        2024,
		Amount:      1500.5,
		Department:  "Por Determinar",
		Province:    "Arequipa",
		District:    "Cayma",
	}
	mock.ExpectQuery("INSERT INTO records").
		WithArgs("", rec.Code, rec.Entity, rec.Description, rec.Year, rec.Amount, "", "",
			rec.Department, rec.Province, rec.District, "", pgxmock.AnyArg(),
			true, false, false).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

	inserted, err := st.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreUpsertRequiresCode(t *testing.T) {
	t.Parallel()

	st, err := NewRecordStore(newMock(t))
	require.NoError(t, err)
	_, err = st.Upsert(context.Background(), enrich.Record{Code: "  "})
	require.Error(t, err)
}

func TestRecordStoreListMissingLocation(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	st, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := pgxmock.NewRows(recordCols).
		AddRow("r1", "A", "MUNICIPALIDAD DE SOCABAYA", "Obra vial", 2024, 0.0, "", "", "N/A", "", "Socabaya", "", now).
		AddRow("r2", "B", "MUNICIPALIDAD DE CAYMA", "Obra vial", 2024, 0.0, "", "", "Arequipa", "Arequipa", "Cayma", "", now).
		AddRow("r3", "C", "GOBIERNO REGIONAL", "Servicio de limpieza", 2024, 0.0, "", "", "", "", "", "", now).
		AddRow("r4", "D", "CONSORCIO NORTE", "Obra de riego", 2024, 0.0, "", "Obra", "", "", "Máncora", "", now)
	mock.ExpectQuery("FROM records").
		WithArgs(2024, pgxmock.AnyArg()).
		WillReturnRows(rows)

	got, err := st.ListMissingLocation(context.Background(), enrich.RecordFilter{Year: 2024, Keywords: []string{"obra"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "r1", got[0].ID)
	require.Equal(t, "r4", got[1].ID)
	require.Equal(t, enrich.CategoryWorks, got[1].Category)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreListUncategorizedStopsAtLimit(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	st, err := NewRecordStore(mock)
	require.NoError(t, err)

	now := time.Now().UTC()
	rows := pgxmock.NewRows(recordCols).
		AddRow("r1", "A", "E", "uno", 2023, 0.0, "", "", "", "", "", "", now).
		AddRow("r2", "B", "E", "dos", 2023, 0.0, "", "", "", "", "", "", now)
	mock.ExpectQuery("WHERE category = ''").WithArgs(0).WillReturnRows(rows)

	got, err := st.ListUncategorized(context.Background(), enrich.RecordFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].Code)
}

func TestRecordStoreUpdates(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	st, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE records SET category").
		WithArgs("Servicio", pgxmock.AnyArg(), "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE records SET department").
		WithArgs("Arequipa", "Arequipa", "Cayma", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, st.UpdateCategory(context.Background(), "r1", enrich.CategoryService))
	err = st.UpdateLocation(context.Background(), "missing", "Arequipa", "Arequipa", "Cayma")
	require.ErrorIs(t, err, enrich.ErrRecordNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreGetNotFound(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	st, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("FROM records WHERE id").WithArgs("nope").WillReturnError(pgx.ErrNoRows)
	_, err = st.Get(context.Background(), "nope")
	require.ErrorIs(t, err, enrich.ErrRecordNotFound)
}
