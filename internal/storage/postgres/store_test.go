package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/review-crawler/internal/crawler"
)

var published = time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC)

var reviewCols = []string{"id", "company_id", "source", "external_id", "rating", "text", "author_name", "published_at", "image_urls"}

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
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS companies").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, schema, "UNIQUE (external_id, source)")
	require.Contains(t, schema, "CREATE TABLE IF NOT EXISTS shedlock")
}

func TestReviewStoreSave(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	review := crawler.Review{
		CompanyID:   7,
		Source:      crawler.SourceTwoGIS,
		ExternalID:  "R101",
		Rating:      4,
		Text:        "Great coffee",
		AuthorName:  "Ann",
		PublishedAt: published,
	}
	mock.ExpectQuery("INSERT INTO reviews").
		WithArgs(int64(7), "TWO_GIS", "R101", 4.0, "Great coffee", "Ann", published, []string{}).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(11)))

	saved, err := store.Save(context.Background(), review)
	require.NoError(t, err)
	require.Equal(t, int64(11), saved.ID)
	require.Equal(t, []string{}, saved.ImageURLs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewStoreSaveConflict(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	mock.ExpectQuery("INSERT INTO reviews").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "reviews_external_id_source_key"})

	_, err := store.Save(context.Background(), crawler.Review{CompanyID: 7, Source: crawler.SourceTwoGIS, ExternalID: "R101", PublishedAt: published})
	require.ErrorIs(t, err, crawler.ErrPersistenceConflict)

	mock.ExpectQuery("INSERT INTO reviews").WillReturnError(errors.New("conn reset"))
	_, err = store.Save(context.Background(), crawler.Review{CompanyID: 7, Source: crawler.SourceTwoGIS, ExternalID: "R102", PublishedAt: published})
	require.Error(t, err)
	require.NotErrorIs(t, err, crawler.ErrPersistenceConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewStoreExists(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("R100", "YANDEX_MAPS").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.ExistsByExternalID(context.Background(), "R100", crawler.SourceYandexMaps)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewStoreMostRecent(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY published_at DESC, id DESC LIMIT 1")).
		WithArgs(int64(7), "TWO_GIS").
		WillReturnRows(pgxmock.NewRows(reviewCols).
			AddRow(int64(3), int64(7), "TWO_GIS", "R100", 5.0, "ok", "Bob", published, []string{"https://img/1.jpg"}))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY published_at DESC, id DESC LIMIT 1")).
		WithArgs(int64(8), "TWO_GIS").
		WillReturnError(pgx.ErrNoRows)

	r, ok, err := store.MostRecent(context.Background(), 7, crawler.SourceTwoGIS)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "R100", r.ExternalID)
	require.Equal(t, crawler.SourceTwoGIS, r.Source)
	require.Equal(t, []string{"https://img/1.jpg"}, r.ImageURLs)

	_, ok, err = store.MostRecent(context.Background(), 8, crawler.SourceTwoGIS)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewStoreList(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM reviews WHERE company_id = ANY($1) AND source = $2")).
		WithArgs([]int64{7, 8}, "YANDEX_MAPS").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(45))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY published_at DESC, id DESC LIMIT $3 OFFSET $4")).
		WithArgs([]int64{7, 8}, "YANDEX_MAPS", 20, 40).
		WillReturnRows(pgxmock.NewRows(reviewCols).
			AddRow(int64(2), int64(7), "YANDEX_MAPS", "Y2", 4.0, "", "", published, []string{}).
			AddRow(int64(1), int64(8), "YANDEX_MAPS", "Y1", 3.0, "", "", published.Add(-time.Hour), []string{}))

	reviews, total, err := store.List(context.Background(), crawler.ReviewFilter{
		CompanyIDs: []int64{7, 8},
		Source:     crawler.SourceYandexMaps,
		Limit:      20,
		Offset:     40,
	})
	require.NoError(t, err)
	require.Equal(t, 45, total)
	require.Len(t, reviews, 2)
	require.Equal(t, "Y2", reviews[0].ExternalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReviewStoreListUnfiltered(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewReviewStore(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM reviews")).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM reviews ORDER BY published_at DESC")).
		WillReturnRows(pgxmock.NewRows(reviewCols))

	reviews, total, err := store.List(context.Background(), crawler.ReviewFilter{})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, reviews)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompanyStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewCompanyStore(mock)
	mock.ExpectQuery("INSERT INTO companies").
		WithArgs("Coffee", "Main st 1", "70000001", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM companies WHERE id = $1")).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "address", "two_gis_id", "yandex_id"}).
			AddRow(int64(4), "Coffee", "Main st 1", "70000001", ""))

	created, err := store.Create(context.Background(), crawler.Company{
		Name:        "Coffee",
		Address:     "Main st 1",
		ExternalIDs: map[crawler.Source]string{crawler.SourceTwoGIS: " 70000001 "},
	})
	require.NoError(t, err)
	require.Equal(t, int64(4), created.ID)

	got, err := store.Get(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, map[crawler.Source]string{crawler.SourceTwoGIS: "70000001"}, got.ExternalIDs)
	_, ok := got.ExternalID(crawler.SourceYandexMaps)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompanyStoreErrors(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewCompanyStore(mock)
	mock.ExpectQuery("INSERT INTO companies").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectExec("UPDATE companies").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("DELETE FROM companies").WithArgs(int64(9)).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery("FROM companies WHERE id").WithArgs(int64(9)).WillReturnError(pgx.ErrNoRows)

	_, err := store.Create(context.Background(), crawler.Company{Name: "Dup"})
	require.ErrorIs(t, err, crawler.ErrPersistenceConflict)
	_, err = store.Update(context.Background(), crawler.Company{ID: 9, Name: "Gone"})
	require.ErrorIs(t, err, crawler.ErrCompanyNotFound)
	require.ErrorIs(t, store.Delete(context.Background(), 9), crawler.ErrCompanyNotFound)
	_, err = store.Get(context.Background(), 9)
	require.ErrorIs(t, err, crawler.ErrCompanyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompanyStoreSearch(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	store := NewCompanyStore(mock)
	mock.ExpectQuery("ILIKE").
		WithArgs("coff").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "address", "two_gis_id", "yandex_id"}).
			AddRow(int64(1), "Coffee", "", "", "1124715036").
			AddRow(int64(2), "Coffee Two", "", "70000002", ""))

	out, err := store.Search(context.Background(), "coff")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "1124715036", out[0].ExternalIDs[crawler.SourceYandexMaps])
	require.NoError(t, mock.ExpectationsWereMet())
}
