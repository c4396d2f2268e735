package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。デフォルト。
	CommandServe Command = "serve"
	// CommandWorker は共有ストレージ上の期限切れセッションを掃除する。
	CommandWorker Command = "worker"
	// CommandMigrate はpostgresバックエンドのスキーマを適用する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認する。
	// distrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は最初の引数をサブコマンドとして解釈する。
// 2つ目以降の引数は無視する。空または未知の値はserveとして扱い、
// 未知だった場合はknownをfalseで返す。
func ParseCommand(args []string) (cmd Command, known bool) {
	if len(args) == 0 {
		return CommandServe, true
	}
	if c, ok := knownCommands[args[0]]; ok {
		return c, true
	}
	return CommandServe, false
}
