package model

// DirectoryUser はGraph APIから取得したディレクトリ上のユーザーを表す。
// 一覧取得時の$selectプロジェクション（givenName, surname, jobTitle, id,
// userPrincipalName）に対応するフィールドのみを保持する。
type DirectoryUser struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"userPrincipalName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	JobTitle          string `json:"jobTitle"`
}

// DirectoryObject はmemberOfで返されるディレクトリオブジェクト（グループまたはロール）。
// ODataTypeでグループとディレクトリロールを区別する。
type DirectoryObject struct {
	ODataType   string `json:"@odata.type"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// DirectoryRoleType はディレクトリロールを示すODataタイプタグ。
const DirectoryRoleType = "#microsoft.graph.directoryRole"

// IsDirectoryRole はこのオブジェクトがディレクトリロールかどうかを返す。
func (o DirectoryObject) IsDirectoryRole() bool {
	return o.ODataType == DirectoryRoleType
}
