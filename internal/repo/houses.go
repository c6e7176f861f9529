package repo

import (
	"context"
	"database/sql"
	"errors"

	"relocation/internal/domain"
)

func (r Repo) InsertHouseTx(ctx context.Context, tx *sql.Tx, h domain.House) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO houses(id,village_id,type_id,created_by,created_at) VALUES (?,?,?,?,?)`,
		h.ID, h.VillageID, h.TypeID, h.CreatedBy, h.CreatedAt); err != nil {
		return err
	}
	for i, home := range h.Homes {
		if _, err := tx.ExecContext(ctx, `INSERT INTO house_homes(house_id,home_id,family_id,mukhiya_name,position) VALUES (?,?,?,?,?)`,
			h.ID, home.ID, home.FamilyID, nullable(home.MukhiyaName), i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetHouse(ctx context.Context, id string) (domain.House, error) {
	var h domain.House
	err := r.DB.QueryRowContext(ctx, `SELECT id,village_id,type_id,created_by,created_at FROM houses WHERE id=?`, id).
		Scan(&h.ID, &h.VillageID, &h.TypeID, &h.CreatedBy, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT home_id,family_id,COALESCE(mukhiya_name,'') FROM house_homes WHERE house_id=? ORDER BY position`, id)
	if err != nil {
		return h, err
	}
	defer rows.Close()
	for rows.Next() {
		var home domain.Home
		if err := rows.Scan(&home.ID, &home.FamilyID, &home.MukhiyaName); err != nil {
			return h, err
		}
		h.Homes = append(h.Homes, home)
	}
	return h, rows.Err()
}
