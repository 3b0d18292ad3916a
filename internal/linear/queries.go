package linear

const getIssueQuery = `query GetIssue($issueId: String!) {
  issue(id: $issueId) {
    id
    identifier
    title
  }
}
`

const attachmentLinkSlackMutation = `mutation AttachmentLinkSlack($issueId: String!, $url: String!) {
  attachmentLinkSlack(issueId: $issueId, url: $url, syncToCommentThread: true) {
    success
    attachment {
      id
    }
  }
}
`
