// Copyright 2024-2026 Aiku AI

package router

import (
	"fmt"
)

const (
	replyMattermostAccepted = "Mattermost token accepted!"
	replyMattermostFailed   = "Something went wrong with your mattermost token :("
	replyMatrixConnected    = "Matrix connected! Now go ahead and chat."
	replyMatrixFailed       = "Something went wrong with your matrix token :("
	replyNotSaved           = "I couldn't save your token, so you'll have to send it again after I restart."
	replyQuoted             = "Don't actually enter the ' you dummy"
	replyAngleBracket       = "Don't actually enter the < you dummy"
)

func (r *Router) helpMessage() string {
	return fmt.Sprintf("Please tell me '%s <mattermost token>' or '%s <matrix token>'\n"+
		"URL to get a Mattermost token: %s\n"+
		"URL to get a Matrix token: %s",
		KeywordMattermost, KeywordMatrix, r.opts.MattermostTokenURL, r.opts.MatrixTokenURL)
}

func greeting(username string) string {
	return fmt.Sprintf("Greetings @%s! Send me '%s <token>' here to start linking your Matrix account.", username, KeywordMattermost)
}

func promptFor(username, keyword string) string {
	return fmt.Sprintf("Greetings @%s, I need your %s token", username, keyword)
}

func noRelayTarget(botName string) string {
	return fmt.Sprintf("I don't know which Matrix room to send that to. Pick one with `@%s room <room id>`, or list them with `@%s rooms`.", botName, botName)
}

func commandHelp(botName string) string {
	return fmt.Sprintf("Commands:\n"+
		"`@%[1]s help` shows this message\n"+
		"`@%[1]s status` shows your link\n"+
		"`@%[1]s rooms` lists your Matrix rooms\n"+
		"`@%[1]s room <room id>` sets the Matrix room your messages go to", botName)
}
