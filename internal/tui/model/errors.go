package model

import "github.com/matheus3301/ethchat/internal/chainerr"

var errNoConversation = chainerr.New(chainerr.NotReady, "no conversation is open")
