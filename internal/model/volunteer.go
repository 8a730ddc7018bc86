package model

// VolunteerProfile はマッチング検索に使うボランティアのスキルと希望ミニストリー。
// メンバー情報そのものは外部のメンバー管理機能が所有する。
type VolunteerProfile struct {
	ID                  string
	Skills              []string
	PreferredMinistries []string
}
