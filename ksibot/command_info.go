package ksibot

import "github.com/bwmarrin/discordgo"

const (
	informatorReply = "Informator KSI: https://informator.ksi.ii.uj.edu.pl/"
	bacaReply       = "Informacje na temat systemu Baca: https://sites.google.com/site/bacahelp/home"
	mordorReply     = "Repozytorium plików Mordor: https://mordor.ksi.ii.uj.edu.pl/"
)

// infoCommandReply returns the static link for /informator, /baca and
// /mordor.
func infoCommandReply(reply string, _ InteractionHandler) string {
	return reply
}

// interactionEphemeral reports whether the acknowledgement for this
// interaction should be ephemeral. The link commands accept a
// public=true option that posts the reply to the channel for everyone;
// every other command always replies ephemerally. Whether the final
// reply is visible is fixed by the flags on the deferred
// acknowledgement, so this is decided before any command runs.
func interactionEphemeral(i *discordgo.InteractionCreate) bool {
	switch i.ApplicationCommandData().Name {
	case DiscordSlashCommandInformator,
		DiscordSlashCommandBaca,
		DiscordSlashCommandMordor:
	default:
		return true
	}
	opt, ok := discordInteractionOptions(i)[infoCommandPublicOption]
	return !(ok && opt.BoolValue())
}
