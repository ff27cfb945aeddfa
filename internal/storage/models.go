package storage

type turnRow struct {
	ID        string
	SessionID string
	UserID    string
	TsMS      int64
	Doc       string
}
