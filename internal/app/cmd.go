package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandRefresh は全フィードを1回更新して終了する。
	CommandRefresh Command = "refresh"
	// CommandBackgroundFetch は実行期限付きでフィードを更新する。
	// OSのバックグラウンド実行枠から起動されることを想定している。
	CommandBackgroundFetch Command = "background-fetch"
	// CommandImport はURLまたはファイルからフィード/OPMLを取り込む。
	CommandImport Command = "import"
	// CommandExportOPML は購読中のフィードをOPMLファイルに書き出す。
	CommandExportOPML Command = "export-opml"
	// CommandMigrate は旧ストレージから現行ストレージへの移行を実行する。
	CommandMigrate Command = "migrate"
	// CommandServe はメトリクスと更新トリガーのHTTPサーバーを起動する。
	CommandServe Command = "serve"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandRefreshを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandRefresh
	}

	switch Command(args[0]) {
	case CommandRefresh, CommandBackgroundFetch, CommandImport, CommandExportOPML,
		CommandMigrate, CommandServe, CommandHealthcheck:
		return Command(args[0])
	default:
		return CommandRefresh
	}
}
